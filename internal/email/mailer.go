package email

import (
	"context"
	"fmt"

	"github.com/sdko-org/blog-api/internal/queue"
	"github.com/sirupsen/logrus"
)

const (
	JobSendEmail         = "send-email"
	JobVerificationEmail = "send-verification-email"
	JobPasswordReset     = "send-password-reset-email"
	JobWelcomeEmail      = "send-welcome-email"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...queue.JobOption) (*queue.Job, error)
}

type linkPayload struct {
	To   string `json:"to"`
	Name string `json:"name"`
	Link string `json:"link,omitempty"`
}

// Mailer enqueues mail for the worker instead of sending inline.
type Mailer struct {
	queue Enqueuer
	log   *logrus.Entry
}

func NewMailer(logger *logrus.Logger, q Enqueuer) *Mailer {
	return &Mailer{queue: q, log: logger.WithField("component", "mailer")}
}

func (m *Mailer) SendEmail(ctx context.Context, msg Message) error {
	return m.enqueue(ctx, JobSendEmail, msg)
}

func (m *Mailer) SendVerificationEmail(ctx context.Context, to, name, link string) error {
	return m.enqueue(ctx, JobVerificationEmail, linkPayload{To: to, Name: name, Link: link})
}

func (m *Mailer) SendPasswordResetEmail(ctx context.Context, to, name, link string) error {
	return m.enqueue(ctx, JobPasswordReset, linkPayload{To: to, Name: name, Link: link})
}

func (m *Mailer) SendWelcomeEmail(ctx context.Context, to, name string) error {
	return m.enqueue(ctx, JobWelcomeEmail, linkPayload{To: to, Name: name})
}

func (m *Mailer) enqueue(ctx context.Context, name string, payload any) error {
	job, err := m.queue.Enqueue(ctx, name, payload)
	if err != nil {
		m.log.WithError(err).WithField("job", name).Error("Failed to enqueue email")
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	m.log.WithFields(logrus.Fields{"job": name, "job_id": job.ID}).Debug("Email queued")
	return nil
}
