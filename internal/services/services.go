// Package services holds the business rules behind the HTTP handlers.
// Services return *apperr.Error for anything the client should see.
package services

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/auth"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/oauth"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sdko-org/blog-api/internal/storage"
	"github.com/sirupsen/logrus"
)

// Notifier queues the transactional emails the auth flows send.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, to, name, link string) error
	SendPasswordResetEmail(ctx context.Context, to, name, link string) error
	SendWelcomeEmail(ctx context.Context, to, name string) error
}

type Deps struct {
	Logger   *logrus.Logger
	Config   *config.Config
	Repos    *repository.Repositories
	Store    kv.Store
	Cache    *cache.Cache
	Tokens   *auth.TokenIssuer
	OAuth    *oauth.Client
	Notifier Notifier
	Storage  storage.Storage
}

type Services struct {
	Auth  *AuthService
	Blogs *BlogService
	Users *UserService
}

func New(d Deps) *Services {
	revoker := &sessionRevoker{
		sessions: d.Repos.Sessions,
		store:    d.Store,
		cache:    d.Cache,
		log:      d.Logger.WithField("component", "session_revoker"),
	}
	return &Services{
		Auth: &AuthService{
			users:    d.Repos.Users,
			sessions: d.Repos.Sessions,
			accounts: d.Repos.Accounts,
			store:    d.Store,
			revoker:  revoker,
			tokens:   d.Tokens,
			oauth:    d.OAuth,
			notifier: d.Notifier,
			cfg:      d.Config.Auth,
			appURL:   strings.TrimRight(d.Config.App.URL, "/"),
			log:      d.Logger.WithField("component", "auth_service"),
			now:      time.Now,
		},
		Blogs: &BlogService{
			blogs: d.Repos.Blogs,
			cache: d.Cache,
			log:   d.Logger.WithField("component", "blog_service"),
			now:   time.Now,
		},
		Users: &UserService{
			users:   d.Repos.Users,
			storage: d.Storage,
			revoker: revoker,
			log:     d.Logger.WithField("component", "user_service"),
		},
	}
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type Page struct {
	Page  int
	Limit int
}

// NewPage clamps page to at least 1 and limit to [1, MaxPageLimit],
// defaulting a zero limit to DefaultPageLimit.
func NewPage(page, limit int) Page {
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultPageLimit
	case limit < 1:
		limit = 1
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	return Page{Page: page, Limit: limit}
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

type Meta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

func (p Page) Meta(total int64) Meta {
	pages := int((total + int64(p.Limit) - 1) / int64(p.Limit))
	if pages < 1 {
		pages = 1
	}
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, TotalPages: pages}
}

type fieldErrors map[string]string

func (f fieldErrors) check(ok bool, field, message string) {
	if !ok {
		if _, exists := f[field]; !exists {
			f[field] = message
		}
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return apperr.Validation("Validation failed", map[string]string(f))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}
