package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/metrics"
	"github.com/sdko-org/blog-api/internal/middleware"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Logger        *logrus.Logger
	Config        *config.Config
	Handler       *Handler
	Authenticator middleware.Authenticator
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	// AccessLogs persists one row per request when set.
	AccessLogs middleware.Recorder
}

// NewRouter builds the full pipeline around the API routes.
func NewRouter(d RouterDeps) http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Use(routeLabel)

	RegisterRoutes(r, d)

	global := ratelimit.Global(d.Config.RateLimit.GlobalLimit, d.Config.RateLimit.GlobalWindow)
	return middleware.Chain(r,
		middleware.Context(),
		middleware.Recover(d.Logger),
		middleware.CORS(d.Config.CORS),
		middleware.AccessLog(d.Logger, d.AccessLogs, d.Metrics),
		middleware.RateLimit(d.Limiter, global, ratelimit.ClientIdentity),
	)
}

func RegisterRoutes(r *mux.Router, d RouterDeps) {
	h := d.Handler

	// public runs the content-type gate only. protected adds authentication
	// and the per-identity limit, then an optional role check.
	public := func(fn appHandler, stages ...middleware.Middleware) http.Handler {
		return middleware.Chain(h.wrap(fn), append([]middleware.Middleware{middleware.ContentType()}, stages...)...)
	}
	limited := func(p ratelimit.Policy) middleware.Middleware {
		return middleware.RateLimit(d.Limiter, p, ratelimit.IdentityFor)
	}
	protected := func(fn appHandler, p ratelimit.Policy, roles ...string) http.Handler {
		stages := []middleware.Middleware{
			middleware.ContentType(),
			middleware.Authenticate(d.Authenticator),
			limited(p),
		}
		if len(roles) > 0 {
			stages = append(stages, middleware.RequireRole(roles...))
		}
		return middleware.Chain(h.wrap(fn), stages...)
	}

	r.HandleFunc("/", h.Welcome).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)

	a := r.PathPrefix("/api/auth").Subrouter()
	a.Handle("/signup", public(h.SignUp, limited(ratelimit.Strict))).Methods(http.MethodPost)
	a.Handle("/signin", public(h.SignIn, limited(ratelimit.Strict))).Methods(http.MethodPost)
	a.Handle("/refresh-token", public(h.RefreshToken, limited(ratelimit.Standard))).Methods(http.MethodPost)
	a.Handle("/logout", middleware.Chain(h.wrap(h.Logout), middleware.ContentType(), middleware.Authenticate(d.Authenticator))).Methods(http.MethodPost)
	a.Handle("/verify-email", public(h.VerifyEmail)).Methods(http.MethodGet)
	a.Handle("/forgot-password", public(h.ForgotPassword, limited(ratelimit.Strict))).Methods(http.MethodPost)
	a.Handle("/reset-password", public(h.ResetPassword, limited(ratelimit.Strict))).Methods(http.MethodPost)
	a.Handle("/{provider}/login", public(h.OAuthLogin)).Methods(http.MethodGet)
	a.Handle("/{provider}/callback", public(h.OAuthCallback)).Methods(http.MethodGet)

	b := r.PathPrefix("/api/blogs").Subrouter()
	b.Handle("", public(h.ListBlogs)).Methods(http.MethodGet)
	b.Handle("/", public(h.ListBlogs)).Methods(http.MethodGet)
	b.Handle("", protected(h.CreateBlog, ratelimit.Strict)).Methods(http.MethodPost)
	b.Handle("/", protected(h.CreateBlog, ratelimit.Strict)).Methods(http.MethodPost)
	b.Handle("/my/blogs", protected(h.MyBlogs, ratelimit.Relaxed)).Methods(http.MethodGet)
	b.Handle("/slug/{slug}", public(h.GetBlogBySlug)).Methods(http.MethodGet)
	b.Handle("/{id}", public(h.GetBlog)).Methods(http.MethodGet)
	b.Handle("/{id}", protected(h.UpdateBlog, ratelimit.Standard)).Methods(http.MethodPatch)
	b.Handle("/{id}", protected(h.DeleteBlog, ratelimit.Standard)).Methods(http.MethodDelete)

	u := r.PathPrefix("/api/users").Subrouter()
	u.Handle("/profile", protected(h.Profile, ratelimit.Relaxed)).Methods(http.MethodGet)
	u.Handle("/avatar", protected(h.UploadAvatar, ratelimit.Strict)).Methods(http.MethodPost)
	u.Handle("/avatar", protected(h.DeleteAvatar, ratelimit.Strict)).Methods(http.MethodDelete)
	u.Handle("", protected(h.ListUsers, ratelimit.Standard, models.RoleAdmin)).Methods(http.MethodGet)
	u.Handle("/", protected(h.ListUsers, ratelimit.Standard, models.RoleAdmin)).Methods(http.MethodGet)
	u.Handle("/{id}", protected(h.GetUser, ratelimit.Standard, models.RoleAdmin)).Methods(http.MethodGet)
	u.Handle("/{id}", protected(h.UpdateUser, ratelimit.Standard, models.RoleAdmin)).Methods(http.MethodPatch)
	u.Handle("/{id}", protected(h.DeleteUser, ratelimit.Standard, models.RoleAdmin)).Methods(http.MethodDelete)
}

// routeLabel records the matched template for metrics and logs.
func routeLabel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc := reqctx.From(r.Context()); rc != nil {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					rc.Route = tpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
