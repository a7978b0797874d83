// Package middleware holds the request pipeline stages.
//
// The fixed order is Recover, CORS, AccessLog, the global IP limit, then per
// route ContentType, Authenticate, the per-identity limit and RequireRole.
// Any stage may answer the request itself instead of calling the next one.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sdko-org/blog-api/internal/response"
	"github.com/sirupsen/logrus"
)

type Middleware func(http.Handler) http.Handler

// Chain wraps h so that stages[0] runs first.
func Chain(h http.Handler, stages ...Middleware) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](h)
	}
	return h
}

// Context attaches a fresh RequestContext. It sits at the root of the chain
// so every later stage, including the access log, sees the same one.
func Context() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := reqctx.With(r.Context())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recover turns a panic anywhere downstream into a generic 500.
func Recover(logger *logrus.Logger) Middleware {
	log := logger.WithField("component", "http_recover")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  rec,
					"stack":  string(debug.Stack()),
				}).Error("Unhandled panic")
				response.ServerError(w, "", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
