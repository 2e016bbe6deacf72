// Package mail delivers transactional email. The gateway receives a Sender
// built once at startup.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is the STARTTLS policy: mandatory (default), opportunistic or none.
	TLS     string
	Timeout time.Duration
}

// ConfigFromEnv reads SMTP settings from environment variables. An empty
// MAIL_HOST selects the logging sender.
func ConfigFromEnv() Config {
	port := 587
	if v, err := strconv.Atoi(os.Getenv("MAIL_PORT")); err == nil && v > 0 {
		port = v
	}
	from := os.Getenv("MAIL_FROM")
	if from == "" {
		from = "no-reply@localhost"
	}
	return Config{
		Host:     os.Getenv("MAIL_HOST"),
		Port:     port,
		Username: os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		From:     from,
		TLS:      os.Getenv("MAIL_TLS"),
		Timeout:  10 * time.Second,
	}
}

var ErrInvalidAddress = errors.New("invalid mail address")

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New returns an SMTPSender when a host is configured and a LogSender otherwise.
func New(cfg Config, logger *zap.SugaredLogger) Sender {
	if cfg.Host == "" {
		logger.Warnw("MAIL_HOST not set, emails are written to the log")
		return LogSender{Logger: logger}
	}
	return &SMTPSender{cfg: cfg}
}

// deliverFunc hands a built message to the relay.
type deliverFunc func(ctx context.Context, msg *gomail.Msg) error

// SMTPSender sends plain-text mail through an SMTP relay.
type SMTPSender struct {
	cfg     Config
	deliver deliverFunc
}

func NewSMTPSender(cfg Config) *SMTPSender { return &SMTPSender{cfg: cfg} }

// Send returns once the SMTP session has closed. On timeout the session is
// torn down before the final DATA terminator, so nothing keeps sending after
// an error has been reported.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	deliver := s.deliver
	if deliver == nil {
		deliver = s.dialAndSend
	}
	if err := deliver(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	client, err := gomail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (s *SMTPSender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		// bounds every read and write of the session, not just the dial
		gomail.WithTimeout(s.cfg.Timeout),
		gomail.WithTLSPolicy(tlsPolicy(s.cfg.TLS)),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func tlsPolicy(v string) gomail.TLSPolicy {
	switch v {
	case "opportunistic":
		return gomail.TLSOpportunistic
	case "none":
		return gomail.NoTLS
	default:
		return gomail.TLSMandatory
	}
}

// LogSender writes messages to the log instead of sending them. Development only:
// the body, and with it the code, ends up in the log.
type LogSender struct {
	Logger *zap.SugaredLogger
}

func (l LogSender) Send(_ context.Context, to, subject, body string) error {
	l.Logger.Infow("mail", "to", to, "subject", subject, "body", body)
	return nil
}
