// Package email delivers transactional mail through the job queue.
package email

import (
	"context"
	"fmt"

	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
	Verify(ctx context.Context) error
}

type SMTPSender struct {
	cfg config.SMTPConfig
	log *logrus.Entry
}

func NewSMTPSender(logger *logrus.Logger, cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg: cfg,
		log: logger.WithFields(logrus.Fields{
			"component": "smtp",
			"host":      cfg.Host,
		}),
	}
}

func (s *SMTPSender) client() (*mail.Client, error) {
	opts := []mail.Option{mail.WithTimeout(s.cfg.Timeout)}
	if s.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.User),
			mail.WithPassword(s.cfg.Pass),
		)
	}
	if s.cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	opts = append(opts, mail.WithPort(s.cfg.Port))

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return c, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}

	c, err := s.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		s.log.WithError(err).WithField("subject", msg.Subject).Error("Failed to send email")
		return fmt.Errorf("send email: %w", err)
	}
	s.log.WithField("subject", msg.Subject).Debug("Email sent")
	return nil
}

// Verify dials and authenticates without sending anything.
func (s *SMTPSender) Verify(ctx context.Context) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return c.Close()
}
