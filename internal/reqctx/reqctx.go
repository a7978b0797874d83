// Package reqctx carries the per-request state filled in by the pipeline.
package reqctx

import (
	"context"

	"github.com/sdko-org/blog-api/internal/models"
)

type contextKey struct{}

// RequestContext lives for one request. Authentication sets User and
// Session; later stages only read them. Route is the matched route template,
// set by the router.
type RequestContext struct {
	User    *models.User
	Session *models.Session
	Route   string
}

func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.User != nil
}

func With(ctx context.Context) (context.Context, *RequestContext) {
	rc := &RequestContext{}
	return context.WithValue(ctx, contextKey{}, rc), rc
}

// From returns the request context, or nil if the pipeline did not attach one.
func From(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// Ensure returns the attached context, attaching a fresh one if needed.
func Ensure(ctx context.Context) (context.Context, *RequestContext) {
	if rc := From(ctx); rc != nil {
		return ctx, rc
	}
	return With(ctx)
}

func User(ctx context.Context) *models.User {
	if rc := From(ctx); rc != nil {
		return rc.User
	}
	return nil
}
