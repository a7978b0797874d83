package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/sdko-org/blog-api/internal/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type templateSet struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

func newTemplateSet(subject, text, html string) templateSet {
	return templateSet{
		subject: subject,
		text:    template.Must(template.New("text").Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New("html").Parse(html)),
	}
}

var templates = map[string]templateSet{
	JobVerificationEmail: newTemplateSet(
		"Verify your email address",
		"Hi {{.Name}},\n\nConfirm your email address by opening the link below. It expires in 24 hours.\n\n{{.Link}}\n",
		`<p>Hi {{.Name}},</p><p>Confirm your email address by clicking the link below. It expires in 24 hours.</p><p><a href="{{.Link}}">Verify email</a></p>`,
	),
	JobPasswordReset: newTemplateSet(
		"Reset your password",
		"Hi {{.Name}},\n\nSomeone asked to reset your password. The link below expires in 1 hour. Ignore this email if it was not you.\n\n{{.Link}}\n",
		`<p>Hi {{.Name}},</p><p>Someone asked to reset your password. The link below expires in 1 hour. Ignore this email if it was not you.</p><p><a href="{{.Link}}">Reset password</a></p>`,
	),
	JobWelcomeEmail: newTemplateSet(
		"Welcome aboard",
		"Hi {{.Name}},\n\nYour email is verified and your account is ready.\n",
		`<p>Hi {{.Name}},</p><p>Your email is verified and your account is ready.</p>`,
	),
}

// Processor turns email jobs into sends, paced by a shared rate limiter.
type Processor struct {
	sender  Sender
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewProcessor(logger *logrus.Logger, sender Sender, perSecond float64) *Processor {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Processor{
		sender:  sender,
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.WithField("component", "email_processor"),
	}
}

func (p *Processor) Register(w *queue.Worker) {
	w.Handle(JobSendEmail, p.handleMessage)
	for name := range templates {
		w.Handle(name, p.handleTemplate(name))
	}
}

func (p *Processor) handleMessage(ctx context.Context, job *queue.Job) error {
	var msg Message
	if err := job.Decode(&msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return p.send(ctx, msg)
}

func (p *Processor) handleTemplate(name string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload linkPayload
		if err := job.Decode(&payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		msg, err := Render(name, payload.To, payload.Name, payload.Link)
		if err != nil {
			return err
		}
		return p.send(ctx, msg)
	}
}

func (p *Processor) send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate wait: %w", err)
	}
	return p.sender.Send(ctx, msg)
}

// Render builds the message for a templated job.
func Render(job, to, name, link string) (Message, error) {
	set, ok := templates[job]
	if !ok {
		return Message{}, fmt.Errorf("no template for %q", job)
	}
	data := struct{ Name, Link string }{Name: name, Link: link}

	var text, html bytes.Buffer
	if err := set.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	if err := set.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	return Message{To: to, Subject: set.subject, Text: text.String(), HTML: html.String()}, nil
}
