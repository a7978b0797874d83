package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sdko-org/blog-api/internal/auth"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/database/dbtest"
	"github.com/sdko-org/blog-api/internal/health"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sdko-org/blog-api/internal/metrics"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/oauth"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sdko-org/blog-api/internal/services"
	"github.com/sdko-org/blog-api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopNotifier struct{}

func (nopNotifier) SendVerificationEmail(context.Context, string, string, string) error { return nil }
func (nopNotifier) SendPasswordResetEmail(context.Context, string, string, string) error {
	return nil
}
func (nopNotifier) SendWelcomeEmail(context.Context, string, string) error { return nil }

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) Put(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStorage) Get(context.Context, string) (*storage.Object, error) {
	return nil, storage.ErrNotFound
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) Head(context.Context, string) (*storage.ObjectInfo, error) {
	return nil, storage.ErrNotFound
}

func (m *memStorage) List(context.Context, string, int64) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (m *memStorage) URL(key string) string { return "http://objects.local/avatars/" + key }

func (m *memStorage) Ping(context.Context) error { return nil }

type server struct {
	handler http.Handler
	repos   *repository.Repositories
	storage *memStorage
	mr      *miniredis.Miniredis
	probe   error
}

func newServer(t *testing.T, globalLimit int) *server {
	t.Helper()
	db, err := dbtest.Open()
	require.NoError(t, err)
	repos := repository.New(db, 5*time.Second)

	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(context.Background(), logging.Discard(), kv.Options{
		Addr:               mr.Addr(),
		ConnectTimeout:     time.Second,
		CommandTimeout:     time.Second,
		EnableOfflineQueue: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		App: config.AppConfig{Env: "test", URL: "http://localhost:9000"},
		RateLimit: config.RateLimitConfig{
			GlobalLimit:  globalLimit,
			GlobalWindow: time.Minute,
		},
		Auth: config.AuthConfig{
			Secret:          "test-secret",
			Issuer:          "blog-api",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 2 * time.Hour,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}

	logger := logging.Discard()
	m := metrics.New()
	c := cache.New(store, logger, m)
	tokens := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
	mem := &memStorage{objects: map[string][]byte{}}

	svc := services.New(services.Deps{
		Logger:   logger,
		Config:   cfg,
		Repos:    repos,
		Store:    store,
		Cache:    c,
		Tokens:   tokens,
		OAuth:    oauth.NewClient(logger, config.OAuthConfig{}),
		Notifier: nopNotifier{},
		Storage:  mem,
	})

	s := &server{repos: repos, storage: mem, mr: mr}
	checker := health.NewChecker(logger, cfg.App.Env)
	checker.Register("redis", store.Ping)
	checker.Register("s3", func(context.Context) error { return s.probe })

	s.handler = NewRouter(RouterDeps{
		Logger:        logger,
		Config:        cfg,
		Handler:       NewHandler(logger, cfg, svc, checker),
		Authenticator: auth.NewSessionAuthenticator(logger, tokens, repos.Sessions, c),
		Limiter:       ratelimit.New(store, logger, ratelimit.WithObserver(m)),
		Metrics:       m,
	})
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta"`
	Error   struct {
		Message string          `json:"message"`
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (s *server) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, reader)
	if method != http.MethodGet {
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, r)
}

func (s *server) send(t *testing.T, r *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
		assert.Equal(t, rec.Code < 300, env.Success, "status %d disagrees with success flag", rec.Code)
	}
	return rec, env
}

func (s *server) signUp(t *testing.T, email string) services.AuthResult {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"name":     "Ada Lovelace",
		"email":    email,
		"password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res services.AuthResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newServer(t, 100)

	rec, env := s.do(t, http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Route not found", env.Error.Message)

	rec, env = s.do(t, http.MethodPut, "/api/blogs/abc", "", map[string]string{})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", env.Error.Message)
}

func TestWelcomeAndMetrics(t *testing.T) {
	s := newServer(t, 100)

	rec, env := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, env.Message)

	rec, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",route="/",status="200"} 1`)
}

func TestHealth(t *testing.T) {
	s := newServer(t, 100)

	rec, env := s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, health.StatusOK, report.Status)
	assert.Equal(t, health.StatusConnected, report.Checks["redis"].Status)

	s.probe = errors.New("bucket missing")
	rec, env = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_DEGRADED", env.Error.Code)
	require.NoError(t, json.Unmarshal(env.Error.Details, &report))
	assert.Equal(t, health.StatusDegraded, report.Status)
	assert.Equal(t, health.StatusError, report.Checks["s3"].Status)
}

func TestContentTypeGate(t *testing.T) {
	s := newServer(t, 100)

	r := httptest.NewRequest(http.MethodPost, "/api/auth/signin", strings.NewReader(`{}`))
	rec, env := s.send(t, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "Content-Type header is required", env.Error.Message)
	assert.JSONEq(t, `{"expected":["application/json","multipart/form-data"]}`, string(env.Error.Details))
}

func TestAuthFlowThroughRouter(t *testing.T) {
	s := newServer(t, 100)
	res := s.signUp(t, "ada@example.com")
	assert.NotEmpty(t, res.AccessToken)

	rec, env := s.do(t, http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid email or password", env.Error.Message)

	rec, _ = s.do(t, http.MethodGet, "/api/users/profile", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/api/users/profile", res.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile models.User
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "60", rec.Header().Get("RateLimit-Limit"), "profile uses the relaxed preset")

	rec, _ = s.do(t, http.MethodPost, "/api/auth/refresh-token", "", map[string]string{"refresh_token": res.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/auth/logout", res.AccessToken, map[string]string{})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/users/profile", res.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesAreRoleGated(t *testing.T) {
	s := newServer(t, 100)

	rec, _ := s.do(t, http.MethodGet, "/api/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no session is 401, never 403")

	user := s.signUp(t, "ada@example.com")
	rec, env := s.do(t, http.MethodGet, "/api/users", user.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden: Insufficient permissions", env.Error.Message)

	admin := s.signUp(t, "grace@example.com")
	_, err := s.repos.Users.Update(context.Background(), admin.User.ID, map[string]any{"role": models.RoleAdmin})
	require.NoError(t, err)

	rec, env = s.do(t, http.MethodGet, "/api/users?page=1&limit=1", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"page":1,"limit":1,"total":2,"totalPages":2}`, string(env.Meta))

	rec, _ = s.do(t, http.MethodPatch, "/api/users/"+user.User.ID, admin.AccessToken, map[string]string{"name": "Countess"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/api/users/"+user.User.ID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/users/"+user.User.ID, admin.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlogRoutes(t *testing.T) {
	s := newServer(t, 100)
	author := s.signUp(t, "ada@example.com")
	other := s.signUp(t, "bob@example.com")

	rec, _ := s.do(t, http.MethodPost, "/api/blogs", "", map[string]any{"title": "Anon", "content": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/api/blogs", author.AccessToken, map[string]any{"title": "Hello World", "content": "x", "published": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var blog models.Blog
	require.NoError(t, json.Unmarshal(env.Data, &blog))
	assert.Equal(t, "hello-world", blog.Slug)
	assert.Equal(t, "5", rec.Header().Get("RateLimit-Limit"), "creating uses the strict preset")

	rec, _ = s.do(t, http.MethodPost, "/api/blogs", author.AccessToken, map[string]any{"title": "Draft", "content": "x"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/api/blogs/slug/hello-world", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/blogs/"+blog.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = s.do(t, http.MethodGet, "/api/blogs?published=true", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var blogs []models.Blog
	require.NoError(t, json.Unmarshal(env.Data, &blogs))
	assert.Len(t, blogs, 1)

	rec, env = s.do(t, http.MethodGet, "/api/blogs?published=false", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &blogs))
	assert.Len(t, blogs, 2, "only published=true filters")

	rec, env = s.do(t, http.MethodGet, "/api/blogs/my/blogs", author.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &blogs))
	assert.Len(t, blogs, 2)

	rec, _ = s.do(t, http.MethodPatch, "/api/blogs/"+blog.ID, other.AccessToken, map[string]any{"title": "Mine now"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodPatch, "/api/blogs/"+blog.ID, author.AccessToken, map[string]any{"title": "Renamed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, "/api/blogs/"+blog.ID, author.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/blogs/"+blog.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func avatarRequest(t *testing.T, token, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="avatar"; filename="me.png"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	part.Write(data)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/users/avatar", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestAvatarUploadAndDelete(t *testing.T) {
	s := newServer(t, 100)
	user := s.signUp(t, "ada@example.com")
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

	rec, env := s.send(t, avatarRequest(t, user.AccessToken, "image/png", png))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res services.AvatarResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, strings.HasPrefix(res.AvatarURL, "http://objects.local/avatars/avatars/"+user.User.ID+"/"))
	assert.Len(t, s.storage.objects, 1)

	rec, env = s.send(t, avatarRequest(t, user.AccessToken, "application/pdf", []byte("%PDF-1.4")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error.Message, "Invalid file type")

	rec, _ = s.do(t, http.MethodDelete, "/api/users/avatar", user.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.storage.objects)
}

func TestGlobalRateLimit(t *testing.T) {
	s := newServer(t, 2)

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodGet, "/", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, env := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Too many requests, please try again later.", env.Error.Message)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPanicBecomesEnvelope500(t *testing.T) {
	s := newServer(t, 100)
	h := NewRouter(RouterDeps{
		Logger:  logging.Discard(),
		Config:  &config.Config{RateLimit: config.RateLimitConfig{GlobalLimit: 10, GlobalWindow: time.Minute}},
		Handler: &Handler{},
		Limiter: ratelimit.New(kvFor(t, s.mr), logging.Discard()),
	})

	// A nil service set panics inside the handler.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/blogs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func kvFor(t *testing.T, mr *miniredis.Miniredis) *kv.RedisStore {
	t.Helper()
	store, err := kv.NewRedisStore(context.Background(), logging.Discard(), kv.Options{
		Addr:           mr.Addr(),
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}
