package config

// PrefixConfig holds the mount points of each route group. An empty prefix
// leaves that group unmounted.
type PrefixConfig struct {
	Impersonation string `env:"IMPERSONATION_PREFIX" env-default:"/api/impersonation"` // sessions, step-up and traces
	Settings      string `env:"SETTINGS_PREFIX" env-default:"/api/settings"`           // module permission table
	Metrics       string `env:"METRICS_PATH" env-default:"/metrics"`
}

// DefaultPrefixes returns the prefixes used when none are configured.
func DefaultPrefixes() PrefixConfig {
	return PrefixConfig{
		Impersonation: "/api/impersonation",
		Settings:      "/api/settings",
		Metrics:       "/metrics",
	}
}
