// Package notifications renders queued mail and delivers it over SMTP.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/gotrs-io/shopdesk/internal/config"
)

// Transport delivers an already rendered message.
type Transport interface {
	SendRaw(ctx context.Context, from string, to []string, raw []byte) error
}

// SMTPTransport sends through one SMTP relay, opening a connection per
// message.
type SMTPTransport struct {
	cfg    config.SMTPConfig
	logger *log.Logger
}

// NewSMTPTransport creates a transport for cfg.
func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[SMTP] ", log.LstdFlags),
	}
}

// SendRaw implements Transport.
func (t *SMTPTransport) SendRaw(ctx context.Context, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return errors.New("no recipients specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if t.cfg.Timeout > 0 {
		client.CommandTimeout = t.cfg.Timeout
		client.SubmissionTimeout = t.cfg.Timeout
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := t.authenticate(client); err != nil {
		return err
	}
	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := client.Quit(); err != nil {
		t.logger.Printf("quit after successful send: %v", err)
	}
	return nil
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	addr := t.cfg.Host + ":" + strconv.Itoa(t.cfg.Port)
	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Host,
		InsecureSkipVerify: t.cfg.SkipVerify,
	}

	switch EncryptionMode(t.cfg.Encryption) {
	case "ssl":
		c, err := smtp.DialTLS(addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		return c, nil
	case "starttls":
		c, err := smtp.DialStartTLS(addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect with STARTTLS: %w", err)
		}
		return c, nil
	default:
		c, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		return c, nil
	}
}

func (t *SMTPTransport) authenticate(client *smtp.Client) error {
	if t.cfg.Username == "" || t.cfg.Password == "" {
		return nil
	}
	var auth sasl.Client
	switch strings.ToLower(strings.TrimSpace(t.cfg.AuthType)) {
	case "login":
		auth = sasl.NewLoginClient(t.cfg.Username, t.cfg.Password)
	default:
		auth = sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// EncryptionMode normalises the configured TLS mode to none, starttls or ssl.
func EncryptionMode(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "ssl", "tls", "smtps":
		return "ssl"
	case "starttls":
		return "starttls"
	}
	return "none"
}

// IsPermanent reports whether err is a 5xx SMTP reply.
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr) && smtpErr.Code >= 500
}
