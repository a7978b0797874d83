package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/auth"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/kv"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/oauth"
	"github.com/sdko-org/blog-api/internal/repository"
	"github.com/sirupsen/logrus"
)

const (
	verifyTokenTTL = 24 * time.Hour
	resetTokenTTL  = time.Hour
	oauthStateTTL  = 10 * time.Minute
)

type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type AccessGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type AuthResult struct {
	User *models.User `json:"user"`
	AccessGrant
	RefreshToken string `json:"refresh_token"`
}

type SignUpInput struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Role     string  `json:"role"`
	Provider string  `json:"provider"`
	Image    *string `json:"image"`
}

type AuthService struct {
	users    *repository.UserRepository
	sessions *repository.SessionRepository
	accounts *repository.AccountRepository
	store    kv.Store
	revoker  *sessionRevoker
	tokens   *auth.TokenIssuer
	oauth    *oauth.Client
	notifier Notifier
	cfg      config.AuthConfig
	appURL   string
	log      *logrus.Entry
	now      func() time.Time
}

var errInvalidCredentials = apperr.Unauthorized("Invalid email or password")

func (s *AuthService) SignUp(ctx context.Context, in SignUpInput, meta RequestMeta) (*AuthResult, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Role == "" {
		in.Role = models.RoleUser
	}
	if in.Provider == "" {
		in.Provider = models.ProviderSystem
	}

	errs := fieldErrors{}
	errs.check(validEmail(in.Email), "email", "Invalid email address")
	errs.check(utf8.RuneCountInString(in.Name) >= 3, "name", "Name must be at least 3 characters")
	errs.check(len(in.Password) >= 8, "password", "Password must be at least 8 characters")
	errs.check(models.ValidRole(in.Role), "role", "Role must be user or admin")
	errs.check(in.Provider == models.ProviderSystem, "provider", "Password signup only supports the system provider")
	if err := errs.err(); err != nil {
		return nil, err
	}
	if in.Role == models.RoleAdmin && !s.cfg.AllowAdminSignup {
		return nil, apperr.Forbidden("Admin signup is disabled")
	}

	taken, err := s.users.EmailTaken(ctx, in.Email, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Conflict("User with this email already exists")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		Name:         in.Name,
		Email:        in.Email,
		Image:        in.Image,
		Role:         in.Role,
		Provider:     in.Provider,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Conflict("User with this email already exists")
		}
		return nil, err
	}
	s.log.WithField("user_id", user.ID).Info("User signed up")

	s.sendVerification(ctx, user)
	return s.issue(ctx, user, meta)
}

func (s *AuthService) SignIn(ctx context.Context, email, password string, meta RequestMeta) (*AuthResult, error) {
	email = normalizeEmail(email)
	errs := fieldErrors{}
	errs.check(validEmail(email), "email", "Invalid email address")
	errs.check(password != "", "password", "Password is required")
	if err := errs.err(); err != nil {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" || !auth.CheckPassword(user.PasswordHash, password) {
		s.log.WithField("user_id", user.ID).Info("Rejected sign in")
		return nil, errInvalidCredentials
	}
	if s.cfg.RequireEmailVerification && !user.EmailVerified {
		return nil, apperr.Forbidden("Please verify your email before signing in")
	}
	return s.issue(ctx, user, meta)
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AccessGrant, error) {
	if refreshToken == "" {
		return nil, apperr.Validation("Refresh token is required", nil)
	}

	session, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.log.WithError(err).Warn("Failed to delete expired session")
		}
		s.store.Del(ctx, refreshKey(refreshToken))
		return nil, apperr.Unauthorized("Refresh token expired")
	}

	grant, err := s.grant(session.User, session)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// lookupRefresh reads the cached session for a refresh token, falling back
// to the sessions table and re-caching on a miss.
func (s *AuthService) lookupRefresh(ctx context.Context, token string) (*models.Session, error) {
	raw, err := s.store.Get(ctx, refreshKey(token))
	switch {
	case err == nil:
		var session models.Session
		if jerr := json.Unmarshal([]byte(raw), &session); jerr == nil && session.User != nil {
			session.Token = token
			return &session, nil
		}
	case !errors.Is(err, kv.ErrNil):
		s.log.WithError(err).Warn("Refresh token cache unavailable, using database")
	}

	session, err := s.sessions.FindByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Unauthorized("Invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if session.User == nil {
		return nil, apperr.Unauthorized("Invalid refresh token")
	}
	s.cacheRefresh(ctx, session)
	return session, nil
}

func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if session != nil {
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			return err
		}
		if _, err := s.store.Del(ctx, refreshKey(session.Token)); err != nil {
			s.log.WithError(err).Warn("Failed to drop cached refresh token")
		}
	}
	s.revoker.cacheDelete(ctx, sessionID)
	s.log.WithField("session_id", sessionID).Info("User logged out")
	return nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperr.Validation("Verification token is required", nil)
	}
	key := "auth:verify:" + token
	userID, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return nil, apperr.Validation("Invalid or expired verification token", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read verification token: %w", err)
	}

	user, err := s.users.Update(ctx, userID, map[string]any{"email_verified": true})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	s.store.Del(ctx, key)
	if err := s.revoker.forget(ctx, user.ID); err != nil {
		s.log.WithError(err).Warn("Failed to refresh cached sessions")
	}

	if err := s.notifier.SendWelcomeEmail(ctx, user.Email, user.Name); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Warn("Failed to queue welcome email")
	}
	s.log.WithField("user_id", user.ID).Info("Email verified")
	return user, nil
}

// ForgotPassword never reveals whether the address is registered.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return apperr.Validation("Validation failed", map[string]string{"email": "Invalid email address"})
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if user.Provider != models.ProviderSystem {
		s.log.WithField("user_id", user.ID).Info("Skipping password reset for OAuth user")
		return nil
	}

	token, err := auth.RandomToken(32)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, "auth:reset:"+token, user.ID, resetTokenTTL); err != nil {
		return apperr.Unavailable("Password reset is temporarily unavailable", "KV_UNAVAILABLE", err)
	}
	link := s.appURL + "/reset-password?token=" + url.QueryEscape(token)
	if err := s.notifier.SendPasswordResetEmail(ctx, user.Email, user.Name, link); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("Failed to queue password reset email")
	}
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, token, password string) error {
	errs := fieldErrors{}
	errs.check(token != "", "token", "Reset token is required")
	errs.check(len(password) >= 8, "password", "Password must be at least 8 characters")
	if err := errs.err(); err != nil {
		return err
	}

	key := "auth:reset:" + token
	userID, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return apperr.Validation("Invalid or expired reset token", nil)
	}
	if err != nil {
		return fmt.Errorf("read reset token: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return err
	}
	s.store.Del(ctx, key)
	if err := s.revoker.revoke(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("Failed to revoke sessions after password reset")
	}
	s.log.WithField("user_id", userID).Info("Password reset")
	return nil
}

func (s *AuthService) OAuthURL(ctx context.Context, provider string) (string, error) {
	if !s.oauth.Enabled(provider) {
		return "", apperr.Validation("Unsupported OAuth provider: "+provider, nil)
	}
	state, err := auth.RandomToken(16)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, "oauth:state:"+state, provider, oauthStateTTL); err != nil {
		return "", apperr.Unavailable("OAuth login is temporarily unavailable", "KV_UNAVAILABLE", err)
	}
	return s.oauth.AuthCodeURL(provider, state)
}

func (s *AuthService) OAuthCallback(ctx context.Context, provider, code, state string, meta RequestMeta) (*AuthResult, error) {
	if !s.oauth.Enabled(provider) {
		return nil, apperr.Validation("Unsupported OAuth provider: "+provider, nil)
	}
	if code == "" || state == "" {
		return nil, apperr.Validation("Missing OAuth code or state", nil)
	}

	key := "oauth:state:" + state
	stored, err := s.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrNil) {
		return nil, fmt.Errorf("read oauth state: %w", err)
	}
	if stored != provider {
		return nil, apperr.Validation("Invalid or expired OAuth state", nil)
	}
	s.store.Del(ctx, key)

	profile, err := s.oauth.Exchange(ctx, provider, code)
	if err != nil {
		s.log.WithError(err).WithField("provider", provider).Warn("OAuth exchange failed")
		return nil, apperr.Unauthorized("OAuth authentication failed")
	}
	profile.Email = normalizeEmail(profile.Email)
	if profile.Email == "" {
		return nil, apperr.Validation("OAuth provider did not return an email address", nil)
	}

	user, err := s.oauthUser(ctx, provider, profile)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, user, meta)
}

// oauthUser finds the user linked to the profile, links an existing user
// with the same email, or creates a new one.
func (s *AuthService) oauthUser(ctx context.Context, provider string, profile *oauth.Profile) (*models.User, error) {
	account, err := s.accounts.FindByProvider(ctx, provider, profile.ID)
	if err == nil {
		return s.users.FindByID(ctx, account.UserID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	user, err := s.users.FindByEmail(ctx, profile.Email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		user = &models.User{
			Name:          profile.Name,
			Email:         profile.Email,
			EmailVerified: profile.EmailVerified,
			Role:          models.RoleUser,
			Provider:      provider,
		}
		if user.Name == "" {
			user.Name, _, _ = strings.Cut(profile.Email, "@")
		}
		if profile.Image != "" {
			user.Image = &profile.Image
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"user_id": user.ID, "provider": provider}).Info("User created from OAuth profile")
	case err != nil:
		return nil, err
	case profile.EmailVerified && !user.EmailVerified:
		if user, err = s.users.Update(ctx, user.ID, map[string]any{"email_verified": true}); err != nil {
			return nil, err
		}
	}

	if err := s.accounts.Create(ctx, &models.Account{
		UserID:            user.ID,
		Provider:          provider,
		ProviderAccountID: profile.ID,
	}); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) issue(ctx context.Context, user *models.User, meta RequestMeta) (*AuthResult, error) {
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	session := &models.Session{
		UserID:    user.ID,
		Token:     refresh,
		ExpiresAt: s.now().Add(s.cfg.RefreshTokenTTL),
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	session.User = user
	s.cacheRefresh(ctx, session)

	grant, err := s.grant(user, session)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, AccessGrant: grant, RefreshToken: refresh}, nil
}

func (s *AuthService) grant(user *models.User, session *models.Session) (AccessGrant, error) {
	token, err := s.tokens.Issue(auth.Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: session.ID,
	})
	if err != nil {
		return AccessGrant{}, err
	}
	return AccessGrant{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
	}, nil
}

func (s *AuthService) cacheRefresh(ctx context.Context, session *models.Session) {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, refreshKey(session.Token), string(raw), ttl); err != nil {
		s.log.WithError(err).Warn("Failed to cache refresh token")
	}
}

func (s *AuthService) sendVerification(ctx context.Context, user *models.User) {
	token, err := auth.RandomToken(32)
	if err != nil {
		s.log.WithError(err).Error("Failed to create verification token")
		return
	}
	if err := s.store.Set(ctx, "auth:verify:"+token, user.ID, verifyTokenTTL); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("Failed to store verification token")
		return
	}
	link := s.appURL + "/api/auth/verify-email?token=" + url.QueryEscape(token)
	if err := s.notifier.SendVerificationEmail(ctx, user.Email, user.Name, link); err != nil {
		s.log.WithError(err).WithField("user_id", user.ID).Error("Failed to queue verification email")
	}
}
