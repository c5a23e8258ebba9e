package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

// SMTPConfig addresses the relay used by SMTPSink.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	From     string
	To       []string
}

// SMTPSink delivers notifications as short emails, for teams whose chat
// tool ingests mail. The handle is the generated Message-ID; Retract sends a
// reply to it so the thread shows the message as handled.
type SMTPSink struct {
	cfg    SMTPConfig
	logger *slog.Logger
	now    func() time.Time
	send   func(ctx context.Context, msg []byte) error
}

// NewSMTPSink creates an SMTPSink.
func NewSMTPSink(cfg SMTPConfig, logger *slog.Logger) *SMTPSink {
	s := &SMTPSink{cfg: cfg, logger: logger, now: time.Now}
	s.send = s.deliver
	return s
}

// Notify mails n and returns its Message-ID.
func (s *SMTPSink) Notify(ctx context.Context, n Notification) (string, error) {
	var h mail.Header
	if err := h.GenerateMessageID(); err != nil {
		return "", deliveryErr("notify", err)
	}
	id, _ := h.MessageID()
	h.SetSubject(fmt.Sprintf("[%s] %s", n.AccountID, n.Subject))
	h.Set("X-Mailnotify-Account", n.AccountID)
	h.Set("X-Mailnotify-Message-Id", n.MessageID)

	body := fmt.Sprintf("From: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.Sender, n.Subject, n.Preview)
	if err := s.write(ctx, h, body); err != nil {
		return "", deliveryErr("notify", err)
	}
	return id, nil
}

// Retract replies to the notification identified by handle.
func (s *SMTPSink) Retract(ctx context.Context, handle string) error {
	var h mail.Header
	if err := h.GenerateMessageID(); err != nil {
		return deliveryErr("retract", err)
	}
	h.SetSubject("Handled")
	h.SetMsgIDList("In-Reply-To", []string{handle})
	h.SetMsgIDList("References", []string{handle})
	if err := s.write(ctx, h, "This message has been handled.\r\n"); err != nil {
		return deliveryErr("retract", err)
	}
	return nil
}

func (s *SMTPSink) write(ctx context.Context, h mail.Header, body string) error {
	from := []*mail.Address{{Address: s.cfg.From}}
	to := make([]*mail.Address, 0, len(s.cfg.To))
	for _, addr := range s.cfg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("From", from)
	h.SetAddressList("To", to)
	h.SetDate(s.now())
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return s.send(ctx, buf.Bytes())
}

// deliver performs one SMTP transaction. Without implicit TLS it upgrades
// with STARTTLS when the server offers it.
func (s *SMTPSink) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	var err error
	if s.cfg.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if !s.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
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
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}
