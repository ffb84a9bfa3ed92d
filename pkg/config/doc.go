// Package config loads simple-delegate configuration from the environment.
//
// Config structs carry `env` and `env-default` tags and are filled by
// cleanenv. An optional .env file is loaded first with godotenv. Durations
// are written in ISO8601 ("PT5M") or Go syntax ("5m"):
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//		slog.Error("Invalid configuration", "err", err)
//		os.Exit(1)
//	}
//	ttl, _ := cfg.Impersonation.ParseGrantTTL()
package config
