package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sdko-org/blog-api/internal/auth"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sirupsen/logrus"
)

func refreshKey(token string) string {
	return "users:refresh_token:" + token
}

type sessionRevoker struct {
	sessions *repository.SessionRepository
	store    kv.Store
	cache    *cache.Cache
	log      *logrus.Entry
}

func (r *sessionRevoker) cacheDelete(ctx context.Context, sessionID string) {
	r.cache.Delete(ctx, sessionID, cache.WithPrefix(auth.SessionPrefix))
}

// forget drops every cached copy of the user's sessions so the next request
// reloads the user from the database.
func (r *sessionRevoker) forget(ctx context.Context, userID string) error {
	sessions, err := r.sessions.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		r.cacheDelete(ctx, s.ID)
		keys = append(keys, refreshKey(s.Token))
	}
	if len(keys) > 0 {
		if _, err := r.store.Del(ctx, keys...); err != nil && !errors.Is(err, kv.ErrNil) {
			r.log.WithError(err).WithField("user_id", userID).Warn("Failed to drop cached refresh tokens")
		}
	}
	return nil
}

// revoke signs the user out everywhere.
func (r *sessionRevoker) revoke(ctx context.Context, userID string) error {
	if err := r.forget(ctx, userID); err != nil {
		return err
	}
	if err := r.sessions.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	r.log.WithField("user_id", userID).Info("Revoked user sessions")
	return nil
}
