package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	Metadata    map[string]string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string, max int64) ([]ObjectInfo, error)
	URL(key string) string
	Ping(ctx context.Context) error
}

// UniqueName returns 16 random bytes as hex, followed by ".ext" when ext is set.
func UniqueName(ext string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	name := hex.EncodeToString(buf)
	if ext != "" {
		name += "." + ext
	}
	return name, nil
}
