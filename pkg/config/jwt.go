package config

import (
	"time"
)

// JWTConfig holds the signing settings shared by the verifier middleware and
// the token refresher.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer      string `env:"JWT_ISSUER" env-default:"simple-delegate"`
	Audience    string `env:"JWT_AUDIENCE" env-default:"simple-delegate"`
	TokenExpiry string `env:"ACCESS_TOKEN_EXPIRY" env-default:"PT15M"`
}

func (j JWTConfig) ParseTokenExpiry() (time.Duration, error) {
	return ParseDuration(j.TokenExpiry)
}
