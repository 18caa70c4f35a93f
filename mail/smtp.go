package mail

import (
	"context"
	"fmt"
	"net"
	gosmtp "net/smtp"
	"strings"
	"text/template"
)

// SMTPConfig holds connection settings for the SMTP mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	BaseURL  string // prepended to token paths in message bodies
}

// SMTPMailer delivers templated mail over plain SMTP with AUTH when
// credentials are configured. Bodies are small text templates rendered
// with pre-sanitized variables.
type SMTPMailer struct {
	config    SMTPConfig
	templates map[Template]*template.Template
	subjects  map[Template]string
}

var bodySources = map[Template]string{
	TemplateVerifyEmail: "Hello {{.display_name}},\r\n\r\n" +
		"Confirm your email address by opening this link:\r\n" +
		"{{.base_url}}/verify-email?token={{.token}}\r\n\r\n" +
		"The link expires at {{.expires_at}}. If you did not create this account, ignore this message.\r\n",
	TemplatePasswordReset: "Hello {{.display_name}},\r\n\r\n" +
		"Reset your password by opening this link:\r\n" +
		"{{.base_url}}/reset-password?token={{.token}}\r\n\r\n" +
		"The link expires at {{.expires_at}}. If you did not request a reset, ignore this message.\r\n",
	TemplatePasswordChanged: "Hello {{.display_name}},\r\n\r\n" +
		"Your password was changed from IP {{.ip}}.\r\n" +
		"If this was not you, reset your password immediately.\r\n",
	TemplateAccountLocked: "Hello {{.display_name}},\r\n\r\n" +
		"Your account was temporarily locked after repeated failed sign-in attempts from IP {{.ip}}.\r\n" +
		"You can sign in again after {{.locked_until}}, or reset your password now.\r\n",
}

var subjectSources = map[Template]string{
	TemplateVerifyEmail:     "Confirm your email address",
	TemplatePasswordReset:   "Reset your password",
	TemplatePasswordChanged: "Your password was changed",
	TemplateAccountLocked:   "Your account was temporarily locked",
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}

	m := &SMTPMailer{
		config:    cfg,
		templates: make(map[Template]*template.Template, len(bodySources)),
		subjects:  subjectSources,
	}
	for kind, src := range bodySources {
		tmpl, err := template.New(string(kind)).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", kind, err)
		}
		m.templates[kind] = tmpl
	}
	return m, nil
}

// Send renders the template with sanitized variables and delivers it.
// The context deadline is honored for the dial only; net/smtp does not
// support mid-session cancellation.
func (m *SMTPMailer) Send(ctx context.Context, to string, kind Template, vars map[string]string) error {
	tmpl, ok := m.templates[kind]
	if !ok {
		return fmt.Errorf("%w: unknown template %q", ErrSendFailed, kind)
	}

	clean := SanitizeVars(vars)
	if clean == nil {
		clean = map[string]string{}
	}
	if _, ok := clean["base_url"]; !ok {
		clean["base_url"] = strings.TrimRight(m.config.BaseURL, "/")
	}

	var body strings.Builder
	if err := tmpl.Execute(&body, clean); err != nil {
		return fmt.Errorf("%w: rendering %s: %v", ErrSendFailed, kind, err)
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		m.config.From, to, m.subjects[kind], body.String(),
	)

	addr := net.JoinHostPort(m.config.Host, fmt.Sprintf("%d", m.config.Port))
	var auth gosmtp.Auth
	if m.config.Username != "" {
		auth = gosmtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- gosmtp.SendMail(addr, auth, m.config.From, []string{to}, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	}
}
