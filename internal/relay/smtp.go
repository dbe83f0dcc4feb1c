package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"github.com/agenticmail/agenticmail/internal/config"
)

// Transport submits outbound mail. One dial per submission keeps the
// relay free of connection-keepalive state; providers drop idle SMTP
// sessions quickly anyway.
type Transport interface {
	// Verify connects and authenticates without sending anything.
	Verify(ctx context.Context) error
	Submit(ctx context.Context, from string, rcpts []string, raw []byte) error
}

type smtpTransport struct {
	host     string
	port     int
	username string
	password string
}

// NewSMTPTransport builds the production Transport from the relay
// account. Port 465 uses implicit TLS, anything else dials plain and
// upgrades with STARTTLS.
func NewSMTPTransport(cfg config.RelayConfig) Transport {
	return &smtpTransport{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Email,
		password: cfg.Password,
	}
}

func (t *smtpTransport) Verify(_ context.Context) error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Quit()
}

func (t *smtpTransport) Submit(_ context.Context, from string, rcpts []string, raw []byte) error {
	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

// dial opens an authenticated SMTP client.
func (t *smtpTransport) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	tlsConfig := &tls.Config{ServerName: t.host}

	var client *smtp.Client
	if t.port == 465 {
		dialer := &net.Dialer{Timeout: connectTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, t.host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp handshake: %w", err)
		}
	} else {
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, t.host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp handshake: %w", err)
		}
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	auth := smtp.PlainAuth("", t.username, t.password, t.host)
	if err := client.Auth(auth); err != nil {
		client.Close()
		return nil, fmt.Errorf("smtp auth as %s: %w", t.username, err)
	}
	return client, nil
}
