package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"civicsync-be/models"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig addresses the outgoing mail relay.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// MailTransport hands a rendered RFC 5322 message to a relay.
type MailTransport func(ctx context.Context, from string, to []string, msg []byte) error

// EmailSender delivers email notifications.
type EmailSender struct {
	from      *mail.Address
	transport MailTransport
	now       func() time.Time
}

// NewEmailSender returns an EmailSender relaying through cfg.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return NewEmailSenderWithTransport(cfg, SMTPTransport(cfg))
}

// NewEmailSenderWithTransport is NewEmailSender with a custom transport.
func NewEmailSenderWithTransport(cfg SMTPConfig, t MailTransport) *EmailSender {
	return &EmailSender{
		from:      &mail.Address{Name: cfg.FromName, Address: cfg.From},
		transport: t,
		now:       time.Now,
	}
}

func (s *EmailSender) Send(ctx context.Context, n *models.Notification) error {
	if n.Recipient == "" {
		return errors.New("email: recipient address is empty")
	}
	msg, err := s.render(n)
	if err != nil {
		return err
	}
	return s.transport(ctx, s.from.Address, []string{n.Recipient}, msg)
}

func (s *EmailSender) render(n *models.Notification) ([]byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{s.from})
	h.SetAddressList("To", []*mail.Address{{Address: n.Recipient}})
	h.SetSubject(n.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("email: message id: %w", err)
	}
	h.Set("X-Notification-Id", n.ID)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("email: create writer: %w", err)
	}
	if _, err := io.WriteString(w, n.Content); err != nil {
		return nil, fmt.Errorf("email: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("email: close body: %w", err)
	}
	return buf.Bytes(), nil
}

// SMTPTransport sends through cfg's relay, upgrading with STARTTLS when the
// server offers it and authenticating when credentials are set.
func SMTPTransport(cfg SMTPConfig) MailTransport {
	return func(ctx context.Context, from string, to []string, msg []byte) error {
		addr := net.JoinHostPort(cfg.Host, cfg.Port)
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp client: %w", err)
		}
		defer client.Close()

		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
		if cfg.Username != "" {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}

		if err := client.Mail(from); err != nil {
			return fmt.Errorf("smtp MAIL FROM: %w", err)
		}
		for _, rcpt := range to {
			if err := client.Rcpt(rcpt); err != nil {
				return fmt.Errorf("smtp RCPT TO: %w", err)
			}
		}
		w, err := client.Data()
		if err != nil {
			return fmt.Errorf("smtp DATA: %w", err)
		}
		if _, err := w.Write(msg); err != nil {
			return fmt.Errorf("smtp write: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("smtp close: %w", err)
		}
		return client.Quit()
	}
}
