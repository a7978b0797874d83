package email

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sdko-org/blog-api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
	got  chan Message
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	if f.got != nil {
		f.got <- msg
	}
	return nil
}

func (f *fakeSender) Verify(ctx context.Context) error { return f.err }

type fakeEnqueuer struct {
	jobs []string
	data []any
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts ...queue.JobOption) (*queue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, name)
	f.data = append(f.data, payload)
	return &queue.Job{ID: "job-1", Name: name}, nil
}

func TestMailerEnqueuesByJobName(t *testing.T) {
	q := &fakeEnqueuer{}
	m := NewMailer(logging.Discard(), q)
	ctx := context.Background()

	require.NoError(t, m.SendVerificationEmail(ctx, "ada@example.com", "Ada", "http://x/verify"))
	require.NoError(t, m.SendPasswordResetEmail(ctx, "ada@example.com", "Ada", "http://x/reset"))
	require.NoError(t, m.SendWelcomeEmail(ctx, "ada@example.com", "Ada"))
	require.NoError(t, m.SendEmail(ctx, Message{To: "ada@example.com", Subject: "Hi", Text: "hello"}))

	assert.Equal(t, []string{JobVerificationEmail, JobPasswordReset, JobWelcomeEmail, JobSendEmail}, q.jobs)
	assert.Equal(t, linkPayload{To: "ada@example.com", Name: "Ada", Link: "http://x/verify"}, q.data[0])

	q.err = errors.New("redis down")
	assert.Error(t, m.SendWelcomeEmail(ctx, "ada@example.com", "Ada"))
}

func TestRenderEscapesHTML(t *testing.T) {
	msg, err := Render(JobVerificationEmail, "ada@example.com", "<Ada>", "http://x/verify?token=abc")
	require.NoError(t, err)

	assert.Equal(t, "Verify your email address", msg.Subject)
	assert.Contains(t, msg.Text, "Hi <Ada>")
	assert.Contains(t, msg.Text, "http://x/verify?token=abc")
	assert.Contains(t, msg.HTML, "&lt;Ada&gt;")

	_, err = Render("send-birthday-email", "a@b.c", "", "")
	assert.Error(t, err)
}

func job(t *testing.T, name string, payload any) *queue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "1", Name: name, Data: data}
}

func TestProcessorHandlers(t *testing.T) {
	sender := &fakeSender{}
	p := NewProcessor(logging.Discard(), sender, 0)
	ctx := context.Background()

	require.NoError(t, p.handleMessage(ctx, job(t, JobSendEmail, Message{To: "bo@example.com", Subject: "Hi", Text: "hello"})))
	require.NoError(t, p.handleTemplate(JobPasswordReset)(ctx, job(t, JobPasswordReset, linkPayload{To: "ada@example.com", Name: "Ada", Link: "http://x/reset"})))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "Hi", sender.sent[0].Subject)
	assert.Equal(t, "Reset your password", sender.sent[1].Subject)
	assert.Contains(t, sender.sent[1].HTML, "http://x/reset")

	assert.Error(t, p.handleMessage(ctx, job(t, JobSendEmail, Message{Subject: "no recipient"})))

	sender.err = errors.New("smtp down")
	assert.Error(t, p.handleMessage(ctx, job(t, JobSendEmail, Message{To: "bo@example.com"})))
}

func TestProcessorPacesSends(t *testing.T) {
	sender := &fakeSender{}
	p := NewProcessor(logging.Discard(), sender, 20)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.send(ctx, Message{To: "a@example.com"}))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestQueuedEmailIsDelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, logging.Discard(), "email", "")
	sender := &fakeSender{got: make(chan Message, 1)}
	w := queue.NewWorker(q, logging.Discard(), 1, nil)
	NewProcessor(logging.Discard(), sender, 0).Register(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, NewMailer(logging.Discard(), q).SendWelcomeEmail(context.Background(), "ada@example.com", "Ada"))
	select {
	case msg := <-sender.got:
		assert.Equal(t, "ada@example.com", msg.To)
		assert.Equal(t, "Welcome aboard", msg.Subject)
	case <-time.After(3 * time.Second):
		t.Fatal("email was not delivered")
	}
}
