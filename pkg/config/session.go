package config

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"
)

// ImpersonationConfig selects the backing stores and policies of the
// delegated-access subsystem.
type ImpersonationConfig struct {
	// memory, postgres or remote
	Backend            string `env:"IMPERSONATION_BACKEND" env-default:"memory"`
	RemoteBackendURL   string `env:"IMPERSONATION_REMOTE_URL"`
	RemoteBackendToken string `env:"IMPERSONATION_REMOTE_TOKEN"`
	RemoteTimeout      string `env:"IMPERSONATION_REMOTE_TIMEOUT" env-default:"PT10S"`

	MaxDurationMinutes   int `env:"IMPERSONATION_MAX_DURATION_MINUTES" env-default:"480"`
	DefaultExtendMinutes int `env:"IMPERSONATION_DEFAULT_EXTEND_MINUTES" env-default:"15"`

	// Off by default: an actor without an enrolled factor cannot act_as.
	StepUpAllowWithoutEnrollment bool   `env:"STEPUP_ALLOW_WITHOUT_ENROLLMENT" env-default:"false"`
	StepUpGrantTTL               string `env:"STEPUP_GRANT_TTL" env-default:"PT5M"`
	// memory, file or postgres
	StepUpFactorStore string `env:"STEPUP_FACTOR_STORE" env-default:"memory"`
	StepUpFactorFile  string `env:"STEPUP_FACTOR_FILE" env-default:"data/stepup_factors.json"`
	StepUpIssuer      string `env:"STEPUP_TOTP_ISSUER" env-default:"simple-delegate"`

	// memory, file or postgres
	AuditStore string `env:"AUDIT_STORE" env-default:"memory"`
	AuditFile  string `env:"AUDIT_FILE" env-default:"data/audit.jsonl"`
	// explicit or method
	AuditRiskPolicy string `env:"AUDIT_RISK_POLICY" env-default:"explicit"`

	// memory or postgres
	TraceSource    string `env:"TRACE_SOURCE" env-default:"memory"`
	TraceCacheSize int    `env:"TRACE_CACHE_SIZE" env-default:"256"`

	// Empty uses the table compiled into the binary.
	SettingsTableFile string `env:"SETTINGS_TABLE_FILE"`

	// When set, step-up grants and lifecycle events go through Redis.
	RedisURL      string `env:"REDIS_URL"`
	EventsChannel string `env:"EVENTS_CHANNEL" env-default:"impersonation.events"`
}

// NeedsDatabase reports whether any configured store is backed by Postgres.
func (c ImpersonationConfig) NeedsDatabase() bool {
	return c.Backend == "postgres" || c.StepUpFactorStore == "postgres" ||
		c.AuditStore == "postgres" || c.TraceSource == "postgres"
}

func (c ImpersonationConfig) ParseGrantTTL() (time.Duration, error) {
	return ParseDuration(c.StepUpGrantTTL)
}

func (c ImpersonationConfig) ParseRemoteTimeout() (time.Duration, error) {
	return ParseDuration(c.RemoteTimeout)
}

// Validate reports every invalid field at once.
func (c ImpersonationConfig) Validate() error {
	var err error
	if !slices.Contains([]string{"memory", "postgres", "remote"}, c.Backend) {
		err = multierr.Append(err, fmt.Errorf("IMPERSONATION_BACKEND: unsupported value %q", c.Backend))
	}
	if c.Backend == "remote" && c.RemoteBackendURL == "" {
		err = multierr.Append(err, fmt.Errorf("IMPERSONATION_REMOTE_URL: required for remote backend"))
	}
	if c.MaxDurationMinutes <= 0 {
		err = multierr.Append(err, fmt.Errorf("IMPERSONATION_MAX_DURATION_MINUTES: must be positive"))
	}
	if c.DefaultExtendMinutes <= 0 {
		err = multierr.Append(err, fmt.Errorf("IMPERSONATION_DEFAULT_EXTEND_MINUTES: must be positive"))
	}
	if !slices.Contains([]string{"memory", "file", "postgres"}, c.StepUpFactorStore) {
		err = multierr.Append(err, fmt.Errorf("STEPUP_FACTOR_STORE: unsupported value %q", c.StepUpFactorStore))
	}
	if !slices.Contains([]string{"memory", "file", "postgres"}, c.AuditStore) {
		err = multierr.Append(err, fmt.Errorf("AUDIT_STORE: unsupported value %q", c.AuditStore))
	}
	if !slices.Contains([]string{"memory", "postgres"}, c.TraceSource) {
		err = multierr.Append(err, fmt.Errorf("TRACE_SOURCE: unsupported value %q", c.TraceSource))
	}
	if !slices.Contains([]string{"explicit", "method"}, c.AuditRiskPolicy) {
		err = multierr.Append(err, fmt.Errorf("AUDIT_RISK_POLICY: unsupported value %q", c.AuditRiskPolicy))
	}
	if _, perr := c.ParseGrantTTL(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("STEPUP_GRANT_TTL: %w", perr))
	}
	if _, perr := c.ParseRemoteTimeout(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("IMPERSONATION_REMOTE_TIMEOUT: %w", perr))
	}
	return err
}
