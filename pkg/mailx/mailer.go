// Package mailx sends operational report mail over SMTP.
package mailx

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Config describes the SMTP relay. An empty Username disables AUTH. TLS
// selects implicit TLS on connect (SMTPS); StartTLS upgrades a plaintext
// connection before any other command and fails when the server does not
// offer it. TLS wins when both are set.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
	StartTLS bool
}

// Enabled reports whether the config is complete enough to send mail.
func (c Config) Enabled() bool {
	return c.Host != "" && c.Port > 0 && c.From != ""
}

// Message is one outbound mail. HTML is the body; a text/html content type
// is always used.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Mailer sends messages through one configured relay.
type Mailer struct {
	cfg    Config
	logger *slog.Logger

	dialTimeout time.Duration
}

// NewMailer builds a mailer. It never validates connectivity up front;
// failures surface per send.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger, dialTimeout: 15 * time.Second}
}

// Send delivers one message. The context bounds the dial; SMTP command
// exchange after connect runs under the server's own timeouts.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.cfg.Enabled() {
		return fmt.Errorf("mailx: mailer is not configured")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("mailx: message has no recipients")
	}

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	dialer := &net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailx: dial %s: %w", addr, err)
	}

	var client *smtp.Client
	switch {
	case m.cfg.TLS:
		client = smtp.NewClient(tls.Client(conn, &tls.Config{ServerName: m.cfg.Host}))
	case m.cfg.StartTLS:
		client, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: m.cfg.Host})
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("mailx: starttls: %w", err)
		}
	default:
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if m.cfg.Username != "" {
		auth := sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("mailx: auth: %w", err)
		}
	}

	body := m.render(msg)
	if err := client.SendMail(m.cfg.From, msg.To, strings.NewReader(body)); err != nil {
		return fmt.Errorf("mailx: send: %w", err)
	}

	m.logger.Info("report mail sent", "to", msg.To, "subject", msg.Subject)
	return client.Quit()
}

func (m *Mailer) render(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	b.WriteString("\r\n")
	return b.String()
}
