// Package ratelimit implements a fixed-window request counter on the shared
// key-value store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sirupsen/logrus"
)

// ErrStoreUnavailable is returned under FailClosed when the counter cannot
// be read or written.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

type Mode int

const (
	// ModeAtomic increments and sets the expiry in one script.
	ModeAtomic Mode = iota
	// ModeTwoStep issues INCR and then EXPIRE when the window opens. A crash
	// between the two leaves a counter without expiry; it is not repaired.
	ModeTwoStep
)

type FailPolicy int

const (
	FailClosed FailPolicy = iota
	FailOpen
)

// Counter is the part of the key-value store the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Eval(ctx context.Context, script *kv.Script, keys []string, args ...any) (any, error)
}

// Observer receives one outcome per decision: allowed, denied or error.
type Observer interface {
	ObserveRateLimit(policy, outcome string)
}

type Result struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

var windowScript = kv.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

type Limiter struct {
	store    Counter
	mode     Mode
	fail     FailPolicy
	log      *logrus.Entry
	observer Observer
	now      func() time.Time
}

type Option func(*Limiter)

func WithMode(mode Mode) Option {
	return func(l *Limiter) { l.mode = mode }
}

func WithFailPolicy(policy FailPolicy) Option {
	return func(l *Limiter) { l.fail = policy }
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Counter, logger *logrus.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		mode:  ModeAtomic,
		fail:  FailClosed,
		log:   logger.WithField("component", "rate_limiter"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) FailPolicy() FailPolicy {
	return l.fail
}

// Now is the limiter's clock, the one ResetAt is measured against.
func (l *Limiter) Now() time.Time {
	return l.now()
}

// WindowKey is where the counter for id under p lives. Each policy has its
// own namespace so presets never share a window.
func WindowKey(p Policy, id Identity) string {
	return "rl:" + p.Name + ":" + id.Key()
}

// CheckAndConsume counts one request for id and reports whether it fits in
// the current window.
func (l *Limiter) CheckAndConsume(ctx context.Context, id Identity, p Policy) (Result, error) {
	key := WindowKey(p, id)

	n, ttl, err := l.increment(ctx, key, p.Window)
	if err != nil {
		log := l.log.WithFields(logrus.Fields{
			"policy": p.Name,
			"key":    key,
			"error":  err,
		})
		l.observe(p, "error")
		if l.fail == FailOpen {
			log.Error("Rate limit store unavailable, admitting request")
			return Result{Allowed: true, Limit: p.Limit, Remaining: p.Limit}, nil
		}
		log.Error("Rate limit store unavailable, rejecting request")
		return Result{Limit: p.Limit}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	res := Result{
		Allowed:   n <= p.Limit,
		Count:     n,
		Limit:     p.Limit,
		Remaining: max(0, p.Limit-n),
	}
	if ttl > 0 {
		res.ResetAt = l.now().Add(ttl)
	} else {
		l.log.WithFields(logrus.Fields{
			"policy": p.Name,
			"key":    key,
			"count":  n,
		}).Warn("Rate limit window has no expiry")
	}

	if res.Allowed {
		l.observe(p, "allowed")
	} else {
		l.observe(p, "denied")
	}
	return res, nil
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if l.mode == ModeTwoStep {
		return l.incrementTwoStep(ctx, key, window)
	}

	raw, err := l.store.Eval(ctx, windowScript, []string{key}, window.Milliseconds())
	if err != nil {
		return 0, 0, err
	}
	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %T", raw)
	}
	n, ok1 := vals[0].(int64)
	pttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", vals)
	}
	return n, time.Duration(pttl) * time.Millisecond, nil
}

func (l *Limiter) incrementTwoStep(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	if n == 1 {
		if _, err := l.store.Expire(ctx, key, window); err != nil {
			return 0, 0, err
		}
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return n, ttl, nil
}

func (l *Limiter) observe(p Policy, outcome string) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(p.Name, outcome)
	}
}
