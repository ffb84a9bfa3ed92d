package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the complete server configuration.
type Config struct {
	AppEnv   string `env:"APP_ENV" env-default:"development"`
	HTTPPort int    `env:"HTTP_PORT" env-default:"4000"`

	Prefix        PrefixConfig
	Database      DatabaseConfig
	JWT           JWTConfig
	Email         EmailConfig
	RateLimit     RateLimitConfig
	Impersonation ImpersonationConfig
}

// Load reads envFile (if present) into the environment, then fills Config
// from environment variables.
func Load(envFile string) (Config, error) {
	LoadDotEnv(envFile)

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Impersonation.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
