package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"pricewatch/internal/config"
	apperrors "pricewatch/internal/errors"
)

// EmailTransport sends notifications via email using SMTP.
type EmailTransport struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	to       []string
	enabled  bool
}

// NewEmailTransport creates a new EmailTransport. To may hold several
// comma separated addresses.
func NewEmailTransport(cfg config.EmailConfig) *EmailTransport {
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &EmailTransport{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		to:       to,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "" && len(to) > 0,
	}
}

// Name returns the name of the transport.
func (e *EmailTransport) Name() string {
	return "email"
}

// IsEnabled returns whether the transport is enabled.
func (e *EmailTransport) IsEnabled() bool {
	return e.enabled
}

// Send sends the message as a plain text email.
func (e *EmailTransport) Send(ctx context.Context, m Message) error {
	if !e.enabled {
		return nil
	}

	msg := buildEmail(e.from, e.to, m)
	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	done := make(chan error, 1)
	go func() {
		// Implicit TLS on 465, STARTTLS or plain otherwise
		if e.smtpPort == 465 {
			done <- e.sendWithTLS(addr, auth, msg)
			return
		}
		done <- smtp.SendMail(addr, auth, e.from, e.to, []byte(msg))
	}()

	select {
	case <-ctx.Done():
		return apperrors.NewTransportError(e.Name(), 0, ctx.Err())
	case err := <-done:
		if err != nil {
			return apperrors.NewTransportError(e.Name(), 0, err)
		}
		return nil
	}
}

func buildEmail(from string, to []string, m Message) string {
	subject := strings.NewReplacer("\r", " ", "\n", " ").Replace(m.Title)
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		from, strings.Join(to, ", "), subject, strings.ReplaceAll(plainText(m), "\n", "\r\n"))
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailTransport) sendWithTLS(addr string, auth smtp.Auth, msg string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.smtpHost})
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.smtpHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(e.from); err != nil {
		return fmt.Errorf("SMTP MAIL command failed: %w", err)
	}
	for _, rcpt := range e.to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT command failed: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command failed: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}
