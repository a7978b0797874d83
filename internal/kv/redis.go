package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Addr               string
	Password           string
	DB                 int
	KeyPrefix          string
	MaxRetries         int
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	ConnectTimeout     time.Duration
	CommandTimeout     time.Duration
	KeepAlive          time.Duration
	EnableOfflineQueue bool
	LazyConnect        bool
	EnableLogging      bool
}

func OptionsFromConfig(cfg config.RedisConfig) Options {
	return Options{
		Addr:               cfg.Addr(),
		Password:           cfg.Password,
		DB:                 cfg.DB,
		KeyPrefix:          cfg.KeyPrefix,
		MaxRetries:         cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelay,
		MaxRetryDelay:      cfg.MaxRetryDelay,
		ConnectTimeout:     cfg.ConnectTimeout,
		CommandTimeout:     cfg.CommandTimeout,
		KeepAlive:          cfg.KeepAlive,
		EnableOfflineQueue: cfg.EnableOfflineQueue,
		LazyConnect:        cfg.LazyConnect,
		EnableLogging:      cfg.EnableLogging,
	}
}

// RetryDelayFor is the linear backoff before retry number attempt (1-based),
// capped at MaxRetryDelay.
func (o Options) RetryDelayFor(attempt int) time.Duration {
	d := time.Duration(attempt) * o.RetryDelay
	if o.MaxRetryDelay > 0 && d > o.MaxRetryDelay {
		return o.MaxRetryDelay
	}
	return d
}

// NewClient builds a go-redis client with its internal retries disabled;
// retries belong to RedisStore so there is exactly one policy.
func NewClient(opts Options) *redis.Client {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: opts.KeepAlive}
	return redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Password:              opts.Password,
		DB:                    opts.DB,
		MaxRetries:            -1,
		DialTimeout:           opts.ConnectTimeout,
		ReadTimeout:           opts.CommandTimeout,
		WriteTimeout:          opts.CommandTimeout,
		ContextTimeoutEnabled: true,
		Dialer:                dialer.DialContext,
	})
}

type RedisStore struct {
	client       redis.UniversalClient
	opts         Options
	log          *logrus.Entry
	online       atomic.Bool
	connected    atomic.Bool
	reconnecting atomic.Bool
	closed       atomic.Bool
}

func NewRedisStore(ctx context.Context, logger *logrus.Logger, opts Options) (*RedisStore, error) {
	s := &RedisStore{
		client: NewClient(opts),
		opts:   opts,
		log: logger.WithFields(logrus.Fields{
			"component": "redis",
			"addr":      opts.Addr,
		}),
	}
	s.online.Store(true)
	s.client.AddHook(connHook{store: s})

	if !opts.LazyConnect {
		pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout+time.Second)
		defer cancel()
		if err := s.client.Ping(pingCtx).Err(); err != nil {
			s.client.Close()
			return nil, fmt.Errorf("redis connect %s: %w", opts.Addr, err)
		}
	}

	return s, nil
}

// Online reports the last observed connection state.
func (s *RedisStore) Online() bool {
	return s.online.Load()
}

func (s *RedisStore) k(key string) string {
	return s.opts.KeyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		val, err = s.client.Get(ctx, s.k(key)).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.k(key), value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}

	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Del(ctx, full...).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Incr(ctx, s.k(key)).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.client.Expire(ctx, s.k(key), ttl).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis expire %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = s.client.PTTL(ctx, s.k(key)).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	switch {
	case ttl == -1:
		return NoExpiry, nil
	case ttl == -2:
		return MissingKey, nil
	}
	return ttl, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.Exists(ctx, s.k(key)).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys walks the keyspace with SCAN rather than KEYS so large databases are
// not blocked. Returned keys have the store prefix removed.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.do(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		iter := s.client.Scan(ctx, 0, s.k(pattern), 200).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), s.opts.KeyPrefix))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}

	var res any
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = script.script.Run(ctx, s.client, full, args...).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNil
	}
	if err != nil {
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	return res, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logInfo("Redis connection closed")
	return s.client.Close()
}

// do runs fn under the command timeout, retrying transport failures with
// the linear backoff policy.
func (s *RedisStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if !s.opts.EnableOfflineQueue && !s.online.Load() {
			s.reconnectInBackground()
			return ErrOffline
		}

		err := s.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		// The caller's own deadline says nothing about the connection.
		if ctx.Err() != nil {
			return err
		}
		if attempt >= s.opts.MaxRetries {
			s.markOffline(err)
			return err
		}

		delay := s.opts.RetryDelayFor(attempt + 1)
		s.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay,
			"error":   err,
		}).Debug("Retrying redis command")

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (s *RedisStore) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.opts.CommandTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	return fn(cctx)
}

// reconnectInBackground pings with the retry policy until the store answers
// or the retry ceiling is reached.
func (s *RedisStore) reconnectInBackground() {
	if s.closed.Load() || !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.reconnecting.Store(false)
		attempts := s.opts.MaxRetries
		if attempts < 1 {
			attempts = 1
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if s.closed.Load() {
				return
			}
			s.logInfo("Redis reconnecting")
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout+time.Second)
			err := s.client.Ping(ctx).Err()
			cancel()
			if err == nil {
				s.markOnline()
				return
			}
			time.Sleep(s.opts.RetryDelayFor(attempt))
		}
		s.log.Warn("Redis reconnect attempts exhausted")
	}()
}

func (s *RedisStore) markOffline(err error) {
	if s.online.Swap(false) {
		s.log.WithError(err).Error("Redis connection error")
	}
}

func (s *RedisStore) markOnline() {
	wasOnline := s.online.Swap(true)
	if !s.connected.Swap(true) {
		s.logInfo("Redis connected")
		s.logInfo("Redis ready")
		return
	}
	if !wasOnline {
		s.logInfo("Redis ready")
	}
}

func (s *RedisStore) logInfo(msg string) {
	if s.opts.EnableLogging {
		s.log.Info(msg)
	}
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed)
}

type connHook struct {
	store *RedisStore
}

func (h connHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			if ctx.Err() == nil {
				h.store.markOffline(err)
			}
			return nil, err
		}
		h.store.markOnline()
		return conn, nil
	}
}

func (h connHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h connHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}
