package middleware

import (
	"net/http"
	"slices"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sdko-org/blog-api/internal/response"
)

// Authenticator resolves the session behind a request. Failures are
// *apperr.Error values and are rendered as they are.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.Session, error)
}

// Authenticate fills the RequestContext with the session and its user, or
// answers 401 without calling the next stage.
func Authenticate(a Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := a.Authenticate(r)
			if err != nil {
				response.FromError(w, err)
				return
			}
			if session == nil || session.User == nil {
				response.FromError(w, apperr.Unauthorized("Authentication required"))
				return
			}

			ctx, rc := reqctx.Ensure(r.Context())
			rc.User = session.User
			rc.Session = session
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole admits only users holding one of roles. Without an
// authenticated user it answers 401, never 403.
func RequireRole(roles ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := reqctx.User(r.Context())
			if user == nil {
				response.FromError(w, apperr.Unauthorized("Authentication required"))
				return
			}
			if !slices.Contains(roles, user.Role) {
				response.FromError(w, apperr.Forbidden("Forbidden: Insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
