package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool `json:"success"`
	Error   struct {
		Message string         `json:"message"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestChainRunsStagesInOrder(t *testing.T) {
	var order []string
	stage := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(ok(), stage("first"), stage("second"), stage("third"))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRecoverRendersGeneric500(t *testing.T) {
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("db password is hunter2")
	}), Recover(logging.Discard()))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "Internal server error", env.Error.Message)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestCORSPreflight(t *testing.T) {
	h := Chain(ok(), CORS(config.CORSConfig{AllowedOrigins: []string{"https://blog.example.com"}}))

	r := httptest.NewRequest(http.MethodOptions, "/api/blogs", nil)
	r.Header.Set("Origin", "https://blog.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(h, r)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://blog.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestContentType(t *testing.T) {
	h := Chain(ok(), ContentType())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/blogs", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Content-Type header is required", env.Error.Message)
	assert.Equal(t, []any{"application/json", "multipart/form-data"}, env.Error.Details["expected"])

	r := httptest.NewRequest(http.MethodPatch, "/api/blogs/1", strings.NewReader("x"))
	r.Header.Set("Content-Type", "text/plain")
	rec = serve(h, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "Unsupported content type", decode(t, rec).Error.Message)

	for _, ct := range []string{"application/json", "application/json; charset=utf-8", "multipart/form-data; boundary=xyz"} {
		r := httptest.NewRequest(http.MethodPost, "/api/blogs", strings.NewReader("{}"))
		r.Header.Set("Content-Type", ct)
		assert.Equal(t, http.StatusOK, serve(h, r).Code, ct)
	}

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/blogs", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodOptions, "/api/blogs", nil)).Code)
}

type fakeAuthenticator struct {
	session *models.Session
	err     error
}

func (f fakeAuthenticator) Authenticate(*http.Request) (*models.Session, error) {
	return f.session, f.err
}

func sessionFor(role string) *models.Session {
	user := &models.User{ID: "u1", Role: role}
	return &models.Session{ID: "s1", UserID: user.ID, User: user}
}

func TestAuthenticateShortCircuits(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	h := Chain(next, Context(), Authenticate(fakeAuthenticator{err: apperr.Unauthorized("Invalid or expired token")}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/users/profile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid or expired token", decode(t, rec).Error.Message)
	assert.False(t, called)
}

func TestAuthenticateFillsContext(t *testing.T) {
	var seen *reqctx.RequestContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { seen = reqctx.From(r.Context()) })

	h := Chain(next, Context(), Authenticate(fakeAuthenticator{session: sessionFor(models.RoleUser)}))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, seen)
	assert.True(t, seen.Authenticated())
	assert.Equal(t, "s1", seen.Session.ID)
}

func TestRequireRole(t *testing.T) {
	admin := Chain(ok(), Context(), Authenticate(fakeAuthenticator{session: sessionFor(models.RoleAdmin)}), RequireRole(models.RoleAdmin))
	assert.Equal(t, http.StatusOK, serve(admin, httptest.NewRequest(http.MethodGet, "/", nil)).Code)

	user := Chain(ok(), Context(), Authenticate(fakeAuthenticator{session: sessionFor(models.RoleUser)}), RequireRole(models.RoleAdmin))
	rec := serve(user, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden: Insufficient permissions", decode(t, rec).Error.Message)

	// Misordered without authentication: fails closed with 401.
	bare := Chain(ok(), Context(), RequireRole(models.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, serve(bare, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func newLimiter(t *testing.T, opts ...ratelimit.Option) (*ratelimit.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(context.Background(), logging.Discard(), kv.Options{
		Addr:               mr.Addr(),
		ConnectTimeout:     time.Second,
		CommandTimeout:     time.Second,
		EnableOfflineQueue: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return ratelimit.New(store, logging.Discard(), opts...), mr
}

func TestRateLimitHeadersAndDenial(t *testing.T) {
	limiter, _ := newLimiter(t)
	policy := ratelimit.Policy{Name: "test", Window: time.Minute, Limit: 2, Message: "Slow down"}
	h := Chain(ok(), Context(), RateLimit(limiter, policy, ratelimit.ClientIdentity))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		return r
	}

	rec := serve(h, req())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "2;w=60", rec.Header().Get("RateLimit-Policy"))
	assert.Equal(t, "60", rec.Header().Get("RateLimit-Reset"))

	assert.Equal(t, http.StatusOK, serve(h, req()).Code)

	rec = serve(h, req())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	env := decode(t, rec)
	assert.Equal(t, "Slow down", env.Error.Message)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Error.Code)

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.Header.Set("X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusOK, serve(h, other).Code)
}

func TestRateLimitResetUsesLimiterClock(t *testing.T) {
	now := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	limiter, mr := newLimiter(t, ratelimit.WithClock(func() time.Time { return now }))
	policy := ratelimit.Policy{Name: "clock", Window: time.Minute, Limit: 5}
	h := Chain(ok(), Context(), RateLimit(limiter, policy, ratelimit.ClientIdentity))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "60", rec.Header().Get("RateLimit-Reset"))

	mr.FastForward(15 * time.Second)
	now = now.Add(15 * time.Second)
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "45", rec.Header().Get("RateLimit-Reset"))
}

func TestRateLimitKeysOnUserAfterAuthentication(t *testing.T) {
	limiter, mr := newLimiter(t)
	h := Chain(ok(), Context(),
		Authenticate(fakeAuthenticator{session: sessionFor(models.RoleUser)}),
		RateLimit(limiter, ratelimit.Strict, nil),
	)

	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, mr.Exists("rl:strict:user:u1"))
}

func TestRateLimitStoreDown(t *testing.T) {
	closed, mr := newLimiter(t)
	mr.Close()
	h := Chain(ok(), RateLimit(closed, ratelimit.Standard, ratelimit.ClientIdentity))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Rate limiter unavailable", env.Error.Message)
	assert.Equal(t, "RATE_LIMIT_STORE_UNAVAILABLE", env.Error.Code)

	open, mr := newLimiter(t, ratelimit.WithFailPolicy(ratelimit.FailOpen))
	mr.Close()
	h = Chain(ok(), RateLimit(open, ratelimit.Standard, ratelimit.ClientIdentity))
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

type recorderFunc func(ctx context.Context, entry *models.AccessLog) error

func (f recorderFunc) Record(ctx context.Context, entry *models.AccessLog) error {
	return f(ctx, entry)
}

type requestObserver struct {
	mu     sync.Mutex
	routes []string
}

func (o *requestObserver) ObserveRequest(method, route string, status int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, method+" "+route)
}

func TestAccessLogRecordsRequest(t *testing.T) {
	saved := make(chan *models.AccessLog, 1)
	recorder := recorderFunc(func(ctx context.Context, entry *models.AccessLog) error {
		saved <- entry
		return nil
	})
	observer := &requestObserver{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := reqctx.From(r.Context())
		rc.Route = "/api/blogs/{id}"
		rc.User = &models.User{ID: "u1"}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	})
	h := Chain(handler, Context(), AccessLog(logging.Discard(), recorder, observer))

	r := httptest.NewRequest(http.MethodPost, "/api/blogs/42", nil)
	r.Header.Set("X-Real-IP", "192.0.2.10")
	r.Header.Set("User-Agent", "go-test")
	serve(h, r)

	select {
	case entry := <-saved:
		assert.Equal(t, http.MethodPost, entry.Method)
		assert.Equal(t, "/api/blogs/42", entry.Path)
		assert.Equal(t, http.StatusCreated, entry.Status)
		assert.Equal(t, 5, entry.BytesSent)
		assert.Equal(t, "192.0.2.10", entry.ClientIP)
		assert.Equal(t, "u1", entry.UserID)
		assert.Equal(t, "go-test", entry.UserAgent)
	case <-time.After(2 * time.Second):
		t.Fatal("access log was not recorded")
	}
	assert.Equal(t, []string{"POST /api/blogs/{id}"}, observer.routes)
}

func TestAccessLogSurvivesRecorderFailure(t *testing.T) {
	done := make(chan struct{})
	recorder := recorderFunc(func(context.Context, *models.AccessLog) error {
		defer close(done)
		return errors.New("relation \"access_logs\" does not exist")
	})
	h := Chain(ok(), Context(), AccessLog(logging.Discard(), recorder, nil))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder was not called")
	}
}
