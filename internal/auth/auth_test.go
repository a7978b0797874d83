package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/cache"
	"github.com/sdko-org/blog-api/internal/database/dbtest"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("secret", "blog-api", 15*time.Minute).WithClock(func() time.Time { return now })

	raw, err := issuer.Issue(Claims{UserID: "u1", Email: "ada@example.com", Role: models.RoleAdmin, SessionID: "s1"})
	require.NoError(t, err)

	claims, err := issuer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("secret", "blog-api", 15*time.Minute).WithClock(func() time.Time { return now })
	raw, err := issuer.Issue(Claims{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	later := NewTokenIssuer("secret", "blog-api", 15*time.Minute).WithClock(func() time.Time { return now.Add(16 * time.Minute) })
	_, err = later.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherKey := NewTokenIssuer("other", "blog-api", 15*time.Minute).WithClock(func() time.Time { return now })
	_, err = otherKey.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer := NewTokenIssuer("secret", "someone-else", 15*time.Minute).WithClock(func() time.Time { return now })
	_, err = otherIssuer.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong"))
	assert.False(t, CheckPassword("", "correct horse"))
}

func TestRandomTokens(t *testing.T) {
	a, err := NewRefreshToken()
	require.NoError(t, err)
	b, err := NewRefreshToken()
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.NotEqual(t, a, b)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(r)
	assert.False(t, ok)

	r.Header.Set("Authorization", "bearer abc.def")
	tok, ok := BearerToken(r)
	assert.True(t, ok)
	assert.Equal(t, "abc.def", tok)
}

type authFixture struct {
	auth    *SessionAuthenticator
	tokens  *TokenIssuer
	repos   *repository.Repositories
	cache   *cache.Cache
	mr      *miniredis.Miniredis
	user    *models.User
	session *models.Session
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db, err := dbtest.Open()
	require.NoError(t, err)
	repos := repository.New(db, 5*time.Second)

	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(context.Background(), logging.Discard(), kv.Options{
		Addr:               mr.Addr(),
		ConnectTimeout:     200 * time.Millisecond,
		CommandTimeout:     200 * time.Millisecond,
		EnableOfflineQueue: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c := cache.New(store, logging.Discard(), nil)

	ctx := context.Background()
	user := &models.User{Name: "Ada", Email: "ada@example.com", Role: models.RoleUser, Provider: models.ProviderSystem}
	require.NoError(t, repos.Users.Create(ctx, user))
	session := &models.Session{UserID: user.ID, Token: "refresh-1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, repos.Sessions.Create(ctx, session))

	tokens := NewTokenIssuer("secret", "blog-api", 15*time.Minute)
	return &authFixture{
		auth:    NewSessionAuthenticator(logging.Discard(), tokens, repos.Sessions, c),
		tokens:  tokens,
		repos:   repos,
		cache:   c,
		mr:      mr,
		user:    user,
		session: session,
	}
}

func (f *authFixture) request(t *testing.T, claims Claims) *http.Request {
	t.Helper()
	raw, err := f.tokens.Issue(claims)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/api/users/profile", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	return r
}

func TestAuthenticateResolvesAndCachesSession(t *testing.T) {
	f := newAuthFixture(t)

	r := f.request(t, Claims{UserID: f.user.ID, SessionID: f.session.ID})
	session, err := f.auth.Authenticate(r)
	require.NoError(t, err)
	require.NotNil(t, session.User)
	assert.Equal(t, f.user.ID, session.User.ID)
	assert.True(t, f.mr.Exists(SessionPrefix+":"+f.session.ID))

	// Served from cache once the row is gone.
	require.NoError(t, f.repos.Sessions.Delete(context.Background(), f.session.ID))
	_, err = f.auth.Authenticate(r)
	require.NoError(t, err)

	f.cache.Delete(context.Background(), f.session.ID, cache.WithPrefix(SessionPrefix))
	_, err = f.auth.Authenticate(r)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
}

func TestAuthenticateRejects(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.auth.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("Authorization", "Bearer garbage")
	_, err = f.auth.Authenticate(bad)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))

	_, err = f.auth.Authenticate(f.request(t, Claims{UserID: "someone-else", SessionID: f.session.ID}))
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))

	expired := &models.Session{UserID: f.user.ID, Token: "refresh-2", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, f.repos.Sessions.Create(context.Background(), expired))
	_, err = f.auth.Authenticate(f.request(t, Claims{UserID: f.user.ID, SessionID: expired.ID}))
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
	assert.False(t, f.mr.Exists(SessionPrefix+":"+expired.ID))
}
