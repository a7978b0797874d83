package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionPrefix namespaces cached sessions.
const SessionPrefix = "sessions"

type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*models.Session, error)
}

// SessionAuthenticator resolves a bearer access token to a live session.
type SessionAuthenticator struct {
	tokens   *TokenIssuer
	sessions SessionFinder
	cache    *cache.Cache
	log      *logrus.Entry
	now      func() time.Time
}

func NewSessionAuthenticator(logger *logrus.Logger, tokens *TokenIssuer, sessions SessionFinder, c *cache.Cache) *SessionAuthenticator {
	return &SessionAuthenticator{
		tokens:   tokens,
		sessions: sessions,
		cache:    c,
		log:      logger.WithField("component", "authenticator"),
		now:      time.Now,
	}
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (*models.Session, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, apperr.Unauthorized("Authentication required")
	}

	claims, err := a.tokens.Verify(raw)
	if err != nil {
		return nil, apperr.Unauthorized("Invalid or expired token")
	}

	ctx := r.Context()
	session, err := cache.GetOrSet(ctx, a.cache, claims.SessionID, func(ctx context.Context) (*models.Session, error) {
		return a.sessions.FindByID(ctx, claims.SessionID)
	}, cache.WithPrefix(SessionPrefix), cache.WithTTL(cache.Short))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthorized("Session not found")
		}
		a.log.WithError(err).Error("Session lookup failed")
		return nil, apperr.Unavailable("Authentication temporarily unavailable", "AUTH_UNAVAILABLE", err)
	}

	if session.User == nil || session.UserID != claims.UserID {
		return nil, apperr.Unauthorized("Invalid or expired token")
	}
	if session.Expired(a.now()) {
		a.cache.Delete(ctx, session.ID, cache.WithPrefix(SessionPrefix))
		return nil, apperr.Unauthorized("Session expired")
	}
	return session, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
