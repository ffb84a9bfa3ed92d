package config

// RateLimitConfig bounds step-up verification attempts.
type RateLimitConfig struct {
	// Per actor, checked inside the gate
	StepUpBurst     int     `env:"STEPUP_RATE_BURST" env-default:"5"`
	StepUpPerSecond float64 `env:"STEPUP_RATE_PER_SECOND" env-default:"0.1"`

	// Per client IP, on the HTTP route
	IPBurst     int     `env:"STEPUP_IP_RATE_BURST" env-default:"20"`
	IPPerSecond float64 `env:"STEPUP_IP_RATE_PER_SECOND" env-default:"0.5"`

	// Proxies (CIDR or address) allowed to set X-Forwarded-For. Empty means
	// the remote address is always the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" env-separator:","`

	BucketTTL string `env:"RATE_LIMIT_BUCKET_TTL" env-default:"PT1H"`
}
