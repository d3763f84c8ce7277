package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"signet/internal/platform/config"
)

// ReminderEmail is everything a signing reminder needs. DaysWaiting counts the days since the
// document was sent; DaysRemaining is the number of days until it expires.
type ReminderEmail struct {
	RecipientEmail string
	RecipientName  string
	DocumentTitle  string
	SenderName     string
	SigningURL     string
	DaysWaiting    int
	DaysRemaining  int
}

type Sender interface {
	SendReminder(ctx context.Context, email ReminderEmail) error
}

// New returns the sender selected by cfg.Provider: "smtp" or "log".
func New(cfg config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("email.smtp.host is required for the smtp provider")
		}
		return NewSMTPSender(cfg.SMTP), nil
	case "log", "":
		return LogSender{}, nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// LogSender writes reminders to the log instead of sending them.
type LogSender struct{}

func (LogSender) SendReminder(ctx context.Context, email ReminderEmail) error {
	log.Info().
		Str("to", email.RecipientEmail).
		Str("document", email.DocumentTitle).
		Int("days_remaining", email.DaysRemaining).
		Str("signing_url", email.SigningURL).
		Msg("reminder email (not sent)")
	return nil
}

type SMTPSender struct {
	cfg     config.SMTPConfig
	timeout time.Duration
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, timeout: 30 * time.Second}
}

const reminderTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
  <p>Hi {{.RecipientName}},</p>
  <p>{{.SenderName}} is waiting for your signature on <strong>{{.DocumentTitle}}</strong>{{if gt .DaysWaiting 0}} (sent {{.DaysWaiting}} day{{if gt .DaysWaiting 1}}s{{end}} ago){{end}}.</p>
  {{if gt .DaysRemaining 0}}<p>The document expires in {{.DaysRemaining}} day{{if gt .DaysRemaining 1}}s{{end}}.</p>{{end}}
  <p><a href="{{.SigningURL}}">Review and sign</a></p>
</body>
</html>
`

var reminderTmpl = template.Must(template.New("reminder").Parse(reminderTemplate))

func ReminderSubject(email ReminderEmail) string {
	if email.DaysRemaining == 1 {
		return fmt.Sprintf("Reminder: %q expires tomorrow", email.DocumentTitle)
	}
	return fmt.Sprintf("Reminder: %q is waiting for your signature", email.DocumentTitle)
}

func RenderReminder(email ReminderEmail) (string, error) {
	var buf bytes.Buffer
	if err := reminderTmpl.Execute(&buf, email); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *SMTPSender) SendReminder(ctx context.Context, email ReminderEmail) error {
	body, err := RenderReminder(email)
	if err != nil {
		return err
	}
	return s.send(ctx, email.RecipientEmail, ReminderSubject(email), body)
}

func (s *SMTPSender) send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.timeout}

	var conn net.Conn
	var err error
	if s.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if s.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return fmt.Errorf("starttls failed: %w", err)
			}
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(s.cfg.FromAddress); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buildMessage(s.from(), to, subject, body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *SMTPSender) from() string {
	if s.cfg.FromName == "" {
		return s.cfg.FromAddress
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.cfg.FromName), s.cfg.FromAddress)
}

// buildMessage assembles the raw message. Non-ASCII subjects are RFC 2047 encoded since
// document titles are user supplied.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
