// Package queue is a small Redis-backed job queue with delayed retries.
//
// Jobs wait in a list. A worker moves the next one onto a processing list
// with BLMOVE and leases it in the active set until it is acked. Leases that
// expire, because the worker died mid-job, are returned to the wait list by
// Recover. A failed attempt is parked in a sorted set scored by its due time
// until the promoter moves it back. Jobs that exhaust their attempts land in
// a capped failed list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second

	// DefaultVisibility must exceed the worker's job timeout.
	DefaultVisibility = time.Minute
	failedCap         = 500
)

type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastError   string          `json:"lastError,omitempty"`
	delay       time.Duration
	// raw is the exact list entry the job was taken from, used to ack it.
	raw string
}

func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// RetryDelay is the wait before the next attempt after the current one fails.
func (j *Job) RetryDelay() time.Duration {
	if j.Attempt < 1 {
		return j.Backoff
	}
	return j.Backoff * time.Duration(1<<(j.Attempt-1))
}

type JobOption func(*Job)

func WithAttempts(n int) JobOption {
	return func(j *Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) JobOption {
	return func(j *Job) { j.Backoff = d }
}

// WithDelay schedules the first attempt d from now.
func WithDelay(d time.Duration) JobOption {
	return func(j *Job) { j.delay = d }
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
  redis.call('ZREM', KEYS[1], job)
  redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

// recoverScript leases processing entries that have no lease yet, and moves
// entries whose lease expired back to the head of the wait list.
// KEYS: processing, active, wait. ARGV: now ms, lease deadline ms.
var recoverScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, job in ipairs(items) do
  local score = redis.call('ZSCORE', KEYS[2], job)
  if not score then
    redis.call('ZADD', KEYS[2], ARGV[2], job)
  elseif tonumber(score) <= tonumber(ARGV[1]) then
    redis.call('LREM', KEYS[1], 1, job)
    redis.call('ZREM', KEYS[2], job)
    redis.call('RPUSH', KEYS[3], job)
    n = n + 1
  end
end
return n
`)

type Queue struct {
	client     redis.UniversalClient
	name       string
	prefix     string
	visibility time.Duration
	log        *logrus.Entry
	now        func() time.Time
}

func New(client redis.UniversalClient, logger *logrus.Logger, name, keyPrefix string) *Queue {
	return &Queue{
		client:     client,
		name:       name,
		prefix:     keyPrefix,
		visibility: DefaultVisibility,
		log: logger.WithFields(logrus.Fields{
			"component": "queue",
			"queue":     name,
		}),
		now: time.Now,
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return q.prefix + "queue:" + q.name + ":" + suffix
}

func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...JobOption) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        data,
		MaxAttempts: DefaultAttempts,
		Backoff:     DefaultBackoff,
		CreatedAt:   q.now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	if job.delay > 0 {
		err = q.schedule(ctx, job, job.delay)
	} else {
		err = q.push(ctx, job)
	}
	if err != nil {
		return nil, err
	}
	q.log.WithFields(logrus.Fields{"job_id": job.ID, "job": name}).Debug("Job enqueued")
	return job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key("wait"), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Name, err)
	}
	return nil
}

// schedule parks job in the delayed set and acks the attempt it came from.
func (q *Queue) schedule(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	err = q.settle(ctx, job, func(p redis.Pipeliner) {
		p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: raw})
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	return nil
}

func (q *Queue) fail(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = q.settle(ctx, job, func(p redis.Pipeliner) {
		p.LPush(ctx, q.key("failed"), raw)
		p.LTrim(ctx, q.key("failed"), 0, failedCap-1)
	})
	if err != nil {
		return fmt.Errorf("record failed job: %w", err)
	}
	return nil
}

// ack drops a completed job from the processing list and its lease.
func (q *Queue) ack(ctx context.Context, job *Job) error {
	if err := q.settle(ctx, job, nil); err != nil {
		return fmt.Errorf("ack %s: %w", job.Name, err)
	}
	return nil
}

// settle runs extra together with the ack in one transaction, so a job is
// never both leased and rescheduled.
func (q *Queue) settle(ctx context.Context, job *Job, extra func(p redis.Pipeliner)) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if extra != nil {
			extra(p)
		}
		if job.raw != "" {
			p.LRem(ctx, q.key("processing"), 1, job.raw)
			p.ZRem(ctx, q.key("active"), job.raw)
		}
		return nil
	})
	return err
}

// Promote moves up to limit due jobs from the delayed set to the wait list.
func (q *Queue) Promote(ctx context.Context, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("wait")},
		q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// Recover returns jobs whose lease expired to the wait list. A processing
// entry without a lease, left by a crash right after BLMOVE, is leased here
// and recovered on a later pass.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := q.now()
	n, err := recoverScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("active"), q.key("wait")},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	if n > 0 {
		q.log.WithField("count", n).Warn("Recovered stalled jobs")
	}
	return n, nil
}

// pop blocks up to timeout for the next job and leases it for the
// visibility timeout. It returns nil, nil on timeout.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	raw, err := q.client.BLMove(ctx, q.key("wait"), q.key("processing"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deadline := q.now().Add(q.visibility).UnixMilli()
	if err := q.client.ZAdd(ctx, q.key("active"), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		// The entry stays on the processing list and Recover leases it.
		q.log.WithError(err).Warn("Failed to lease job")
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.log.WithError(err).Error("Dropping undecodable job")
		q.settle(ctx, &Job{raw: raw}, nil)
		return nil, nil
	}
	job.raw = raw
	return &job, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var waiting, active, delayed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.key("wait"))
		active = p.LLen(ctx, q.key("processing"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		failed = p.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{Waiting: waiting.Val(), Active: active.Val(), Delayed: delayed.Val(), Failed: failed.Val()}, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
