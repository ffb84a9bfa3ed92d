package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sosodev/duration"
)

// GetEnvOrDefault retrieves an environment variable or returns a default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadDotEnv loads key=value pairs from envFile into the process environment.
// A missing file is not an error; variables already set are not overridden.
func LoadDotEnv(envFile string) {
	if envFile == "" {
		return
	}
	if _, err := os.Stat(envFile); err != nil {
		slog.Debug("No env file", "file", envFile)
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed loading env file", "file", envFile, "err", err)
		return
	}
	slog.Info("Loaded env file", "file", envFile)
}

// ParseDuration accepts ISO8601 ("PT5M") first, then Go syntax ("5m").
func ParseDuration(s string) (time.Duration, error) {
	d, err := duration.Parse(s)
	if err == nil {
		return d.ToTimeDuration(), nil
	}
	return time.ParseDuration(s)
}

// Environment represents the application environment
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// GetEnvironment returns the current environment from APP_ENV or defaults to development
func GetEnvironment() Environment {
	switch GetEnvOrDefault("APP_ENV", "development") {
	case "production", "prod":
		return Production
	case "test", "testing":
		return Test
	default:
		return Development
	}
}

func IsProduction() bool {
	return GetEnvironment() == Production
}
