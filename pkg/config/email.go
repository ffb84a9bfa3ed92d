package config

// EmailConfig holds the SMTP settings for security notifications.
// Host empty disables mail.
type EmailConfig struct {
	Host       string `env:"EMAIL_HOST"`
	Port       uint16 `env:"EMAIL_PORT" env-default:"1025"`
	Username   string `env:"EMAIL_USERNAME"`
	Password   string `env:"EMAIL_PASSWORD"`
	From       string `env:"EMAIL_FROM" env-default:"noreply@example.com"`
	TLS        bool   `env:"EMAIL_TLS" env-default:"false"`
	SecurityTo string `env:"EMAIL_SECURITY_TO" env-default:"security@example.com"`
}

func (e EmailConfig) IsConfigured() bool {
	return e.Host != ""
}
