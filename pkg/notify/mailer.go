// Package notify alerts the security team about sensitive session events.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/tendant/simple-delegate/pkg/events"
)

type SMTPConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	From     string
	// SecurityTo receives the alerts.
	SecurityTo string
}

// sender is the part of *mail.Client the mailer uses.
type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer emails the security mailbox when an act_as session starts and when
// any session is revoked. Other events are ignored.
type Mailer struct {
	config SMTPConfig
	client sender
	logger *slog.Logger
}

var actAsTemplate = template.Must(template.New("act_as").Parse(
	`An act_as impersonation session was started.

Session:       {{.SessionID}}
Actor:         {{.ActorID}}
Target user:   {{if .TargetUserID}}{{.TargetUserID}}{{else}}-{{end}}
Target tenant: {{if .TargetTenantID}}{{.TargetTenantID}}{{else}}-{{end}}
Justification: {{.Justification}}
Started:       {{.OccurredAt.Format "2006-01-02 15:04:05 MST"}}
Expires:       {{.ExpiresAt.Format "2006-01-02 15:04:05 MST"}}
`))

var revokedTemplate = template.Must(template.New("revoked").Parse(
	`An impersonation session was revoked.

Session:    {{.SessionID}}
Actor:      {{.ActorID}}
Mode:       {{.Mode}}
Revoked by: {{if .RevokedBy}}{{.RevokedBy}}{{else}}-{{end}}
Reason:     {{.Reason}}
At:         {{.OccurredAt.Format "2006-01-02 15:04:05 MST"}}
`))

func NewMailer(config SMTPConfig) (*Mailer, error) {
	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTimeout(30 * time.Second),
	}
	if config.Username != "" && config.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}
	if config.TLS {
		opts = append(opts,
			mail.WithTLSConfig(&tls.Config{ServerName: config.Host, MinVersion: tls.VersionTLS12}),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}
	return newMailer(config, client), nil
}

func newMailer(config SMTPConfig, client sender) *Mailer {
	return &Mailer{config: config, client: client, logger: slog.Default()}
}

func (m *Mailer) Publish(ctx context.Context, e events.Event) error {
	var tmpl *template.Template
	var subject string
	switch {
	case e.Type == events.SessionStarted && e.Mode == "act_as":
		tmpl = actAsTemplate
		subject = "[security] act_as session started by " + e.ActorID.String()
	case e.Type == events.SessionRevoked:
		tmpl = revokedTemplate
		subject = "[security] impersonation session " + e.SessionID.String() + " revoked"
	default:
		return nil
	}

	msg, err := m.message(subject, tmpl, e)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		m.logger.Error("Failed to send security email", "session", e.SessionID, "type", e.Type, "err", err)
		return fmt.Errorf("send security email: %w", err)
	}
	m.logger.Info("Security email sent", "session", e.SessionID, "type", e.Type, "to", m.config.SecurityTo)
	return nil
}

func (m *Mailer) message(subject string, tmpl *template.Template, e events.Event) (*mail.Msg, error) {
	var body bytes.Buffer
	if err := tmpl.Execute(&body, e); err != nil {
		return nil, fmt.Errorf("render security email: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.config.From); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(m.config.SecurityTo); err != nil {
		return nil, fmt.Errorf("set to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body.String())
	return msg, nil
}
