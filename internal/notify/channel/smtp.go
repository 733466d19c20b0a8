package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig configures the email sender
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender sends HTML email over SMTP, upgrading to TLS when offered
type SMTPSender struct {
	config SMTPConfig
	auth   smtp.Auth
	logger *zap.Logger
}

// NewSMTPSender creates an email sender
func NewSMTPSender(config SMTPConfig, logger *zap.Logger) *SMTPSender {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	s := &SMTPSender{config: config, logger: logger}
	if config.Username != "" && config.Password != "" {
		s.auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return s
}

// Send implements Sender; target is the recipient address
func (s *SMTPSender) Send(ctx context.Context, to string, msg Message) error {
	if s.config.Host == "" || s.config.From == "" {
		return ErrNotConfigured
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	conn, err := (&net.Dialer{Timeout: s.config.Timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	deadline := time.Now().Add(s.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start SMTP session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return fmt.Errorf("SMTP authentication failed: %w", err)
			}
		}
	}

	if err := c.Mail(s.config.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(buildMessage(s.config.From, to, msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debug("Email sent", zap.String("to", to), zap.String("subject", msg.Subject))
	return c.Quit()
}

// buildMessage renders the RFC 5322 message with fixed header order
func buildMessage(from, to string, msg Message) []byte {
	contentType, body := "text/plain; charset=UTF-8", msg.Text
	if msg.HTML != "" {
		contentType, body = "text/html; charset=UTF-8", msg.HTML
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
