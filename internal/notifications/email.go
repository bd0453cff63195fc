// Package notifications renders and delivers the transactional emails the
// server sends: license keys to buyers and contact form submissions to the
// support inbox.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	resendSMTPHost = "smtp.resend.com"
	resendSMTPPort = 465
	resendSMTPUser = "resend"

	defaultDialTimeout = 10 * time.Second
)

// SMTPConfig holds SMTP server configuration
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	From     string `yaml:"from" json:"from"`
	TLS      bool   `yaml:"tls" json:"tls"`
}

// ResendSMTPConfig returns the SMTP relay settings for a Resend API key.
func ResendSMTPConfig(apiKey, from string) SMTPConfig {
	return SMTPConfig{
		Host:     resendSMTPHost,
		Port:     resendSMTPPort,
		Username: resendSMTPUser,
		Password: apiKey,
		From:     from,
		TLS:      true,
	}
}

// Validate checks if the SMTP configuration is valid
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("smtp port is required")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// Message is a rendered email ready for delivery.
type Message struct {
	To      []string
	ReplyTo string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer sends messages through an SMTP server.
type Mailer struct {
	config SMTPConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewMailer creates a new SMTP mailer
func NewMailer(config SMTPConfig, logger zerolog.Logger) (*Mailer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}

	return &Mailer{
		config: config,
		logger: logger.With().Str("component", "mailer").Logger(),
		now:    time.Now,
	}, nil
}

// Send delivers msg, honouring ctx for the connection and the session.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("send email: no recipients")
	}

	m.logger.Debug().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("sending email")

	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	if err := m.deliver(ctx, addr, msg.To, m.buildMessage(msg)); err != nil {
		m.logger.Error().
			Err(err).
			Strs("to", msg.To).
			Str("subject", msg.Subject).
			Msg("failed to send email")
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Info().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("email sent successfully")

	return nil
}

// buildMessage constructs the email message with headers
func (m *Mailer) buildMessage(msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To[0])
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	return buf.Bytes()
}

// deliver runs one SMTP session. Implicit TLS is used when configured
// (port 465); otherwise STARTTLS is negotiated if the server offers it.
func (m *Mailer) deliver(ctx context.Context, addr string, to []string, body []byte) error {
	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: m.config.Host,
		MinVersion: tls.VersionTLS12,
	}
	if m.config.TLS {
		conn = tls.Client(conn, tlsConfig)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if !m.config.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message writer: %w", err)
	}

	return client.Quit()
}
