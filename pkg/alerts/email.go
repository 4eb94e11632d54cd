package alerts

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// smtpTimeout bounds a send whose context carries no deadline.
const smtpTimeout = 30 * time.Second

// SMTPConfig configures the email notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends plain-text email through an SMTP relay.
type EmailNotifier struct {
	cfg      SMTPConfig
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewEmailNotifier creates an SMTP email notifier. PLAIN auth is used when a
// username is configured.
func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	n := &EmailNotifier{cfg: cfg}
	n.sendMail = n.send
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) SendTo(ctx context.Context, recipient string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.Contains(recipient, "@") {
		return fmt.Errorf("invalid email recipient %q", recipient)
	}

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	if err := e.sendMail(ctx, addr, e.auth, e.cfg.From, []string{recipient}, buildEmail(e.cfg.From, recipient, msg)); err != nil {
		return fmt.Errorf("send email to %s: %w", recipient, err)
	}
	return nil
}

// send runs one SMTP transaction. The connection deadline follows ctx, so a
// relay that stops answering cannot hold the caller.
func (e *EmailNotifier) send(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, smtpTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildEmail(from, to string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Plain())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")

	b.WriteString(msg.Text)
	b.WriteString("\r\n\r\n")
	for _, f := range msg.Fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
	}
	return []byte(b.String())
}
