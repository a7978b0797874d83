// Package cache is a best-effort JSON read-through cache on the key-value
// store. A failing store never fails the caller; it only turns hits into
// misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	Short    = 5 * time.Minute
	Medium   = 30 * time.Minute
	Long     = time.Hour
	VeryLong = 24 * time.Hour
)

const sharedFetchTimeout = 30 * time.Second

type Options struct {
	TTL    time.Duration
	Prefix string
}

type Option func(*Options)

func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

func buildOptions(opts []Option) Options {
	o := Options{TTL: Medium}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o Options) key(key string) string {
	if o.Prefix == "" {
		return key
	}
	return o.Prefix + ":" + key
}

// Observer receives hit, miss and error results.
type Observer interface {
	ObserveCache(result string)
}

type Cache struct {
	store    kv.Store
	log      *logrus.Entry
	observer Observer
	group    singleflight.Group
}

func New(store kv.Store, logger *logrus.Logger, observer Observer) *Cache {
	return &Cache{
		store:    store,
		log:      logger.WithField("component", "cache"),
		observer: observer,
	}
}

func (c *Cache) Set(ctx context.Context, key string, value any, opts ...Option) {
	o := buildOptions(opts)
	c.set(ctx, o.key(key), value, o.TTL)
}

// Get decodes the entry into dest and reports whether it was a hit.
func (c *Cache) Get(ctx context.Context, key string, dest any, opts ...Option) bool {
	o := buildOptions(opts)
	return c.get(ctx, o.key(key), dest)
}

func (c *Cache) Delete(ctx context.Context, key string, opts ...Option) {
	o := buildOptions(opts)
	if _, err := c.store.Del(ctx, o.key(key)); err != nil {
		c.log.WithFields(logrus.Fields{"key": o.key(key), "error": err}).Warn("Cache delete failed")
	}
}

func (c *Cache) Exists(ctx context.Context, key string, opts ...Option) bool {
	o := buildOptions(opts)
	ok, err := c.store.Exists(ctx, o.key(key))
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": o.key(key), "error": err}).Warn("Cache exists check failed")
		return false
	}
	return ok
}

// TTL returns the remaining lifetime, kv.NoExpiry, or kv.MissingKey. Store
// errors report kv.MissingKey.
func (c *Cache) TTL(ctx context.Context, key string, opts ...Option) time.Duration {
	o := buildOptions(opts)
	ttl, err := c.store.TTL(ctx, o.key(key))
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": o.key(key), "error": err}).Warn("Cache ttl lookup failed")
		return kv.MissingKey
	}
	return ttl
}

// InvalidatePattern deletes every key under the prefix matching pattern and
// returns how many were removed.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string, opts ...Option) int64 {
	o := buildOptions(opts)
	full := o.key(pattern)
	log := c.log.WithField("pattern", full)

	keys, err := c.store.Keys(ctx, full)
	if err != nil {
		log.WithError(err).Warn("Cache invalidation scan failed")
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	n, err := c.store.Del(ctx, keys...)
	if err != nil {
		log.WithError(err).Warn("Cache invalidation delete failed")
		return 0
	}
	log.WithField("count", n).Debug("Cache invalidated")
	return n
}

// GetOrSet returns the cached value for key, or calls fetch and caches its
// result. Concurrent misses for the same key share one fetch. Fetch errors
// are returned and nothing is cached.
//
// The shared fetch is detached from any single caller's cancellation and
// bounded by sharedFetchTimeout. Each caller still stops waiting when its own
// ctx is done.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := buildOptions(opts)
	full := o.key(key)

	var cached T
	if c.get(ctx, full, &cached) {
		return cached, nil
	}

	ch := c.group.DoChan(full, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()

		var again T
		if c.peek(fctx, full, &again) {
			return again, nil
		}
		val, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.set(fctx, full, val, o.TTL)
		return val, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		val, _ := res.Val.(T)
		return val, nil
	}
}

// Cacheable wraps fetch so each call goes through GetOrSet under keyFn(arg).
func Cacheable[A, T any](c *Cache, keyFn func(A) string, fetch func(ctx context.Context, arg A) (T, error), opts ...Option) func(ctx context.Context, arg A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return GetOrSet(ctx, c, keyFn(arg), func(ctx context.Context) (T, error) {
			return fetch(ctx, arg)
		}, opts...)
	}
}

func (c *Cache) set(ctx context.Context, full string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": full, "error": err}).Warn("Cache encode failed")
		return
	}
	if err := c.store.Set(ctx, full, string(data), ttl); err != nil {
		c.log.WithFields(logrus.Fields{"key": full, "error": err}).Warn("Cache set failed")
	}
}

func (c *Cache) get(ctx context.Context, full string, dest any) bool {
	hit, ok := c.lookup(ctx, full, dest)
	switch {
	case !ok:
		c.observe("error")
	case hit:
		c.observe("hit")
	default:
		c.observe("miss")
	}
	return hit
}

// peek is get without recording a result.
func (c *Cache) peek(ctx context.Context, full string, dest any) bool {
	hit, _ := c.lookup(ctx, full, dest)
	return hit
}

func (c *Cache) lookup(ctx context.Context, full string, dest any) (hit, ok bool) {
	raw, err := c.store.Get(ctx, full)
	if errors.Is(err, kv.ErrNil) {
		return false, true
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": full, "error": err}).Warn("Cache get failed")
		return false, false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.log.WithFields(logrus.Fields{"key": full, "error": err}).Warn("Cache entry is not valid JSON")
		return false, false
	}
	return true, true
}

func (c *Cache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveCache(result)
	}
}
