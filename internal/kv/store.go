// Package kv is the shared key-value store used for rate-limit windows,
// cached entries, refresh tokens and OAuth state.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNil is returned by Get when the key does not exist.
	ErrNil = errors.New("kv: key not found")
	// ErrOffline is returned when the store is disconnected and the
	// offline queue is disabled.
	ErrOffline = errors.New("kv: store offline")
)

// TTL sentinels, matching the store's replies for keys without expiry and
// for missing keys.
const (
	NoExpiry   time.Duration = -1
	MissingKey time.Duration = -2
)

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Script is a server-side Lua script, loaded by hash on first use.
type Script struct {
	script *redis.Script
}

func NewScript(src string) *Script {
	return &Script{script: redis.NewScript(src)}
}
