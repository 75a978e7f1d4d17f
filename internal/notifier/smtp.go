package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = 587
)

// SMTPConfig describes a submission server. TLS is one of "starttls"
// (default, mandatory STARTTLS), "opportunistic", "ssl" or "none".
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	Timeout  time.Duration
}

type smtpTransport struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) (Transport, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		cfg.Host = DefaultSMTPHost
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultSMTPPort
		if mode := strings.ToLower(strings.TrimSpace(cfg.TLS)); mode == "ssl" || mode == "tls" {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("smtp password is not set (GMAIL_APP_PASSWORD)")
	}
	if _, err := clientOptions(cfg); err != nil {
		return nil, err
	}
	return &smtpTransport{cfg: cfg}, nil
}

func (t *smtpTransport) Name() string { return "smtp" }

func clientOptions(cfg SMTPConfig) ([]mail.Option, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "", "starttls":
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	case "opportunistic":
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	case "ssl", "tls":
		opts = append(opts, mail.WithSSLPort(false))
	case "none":
		opts = append(opts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		return nil, fmt.Errorf("unknown smtp tls mode %q", cfg.TLS)
	}
	return opts, nil
}

func (t *smtpTransport) Open(ctx context.Context) (Session, error) {
	opts, err := clientOptions(t.cfg)
	if err != nil {
		return nil, err
	}
	c, err := mail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialWithContext(ctx); err != nil {
		return nil, fmt.Errorf("smtp dial %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	return &smtpSession{c: c}, nil
}

type smtpSession struct {
	c *mail.Client
}

func (s *smtpSession) Deliver(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMsg(m)
	if err != nil {
		return err
	}
	return s.c.Send(msg)
}

func (s *smtpSession) Close() error { return s.c.Close() }

func buildMsg(m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", m.From, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", m.To, err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextHTML, m.HTML)
	return msg, nil
}
