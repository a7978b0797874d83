// Package oauth runs authorization-code logins against external identity
// providers and normalises their user info into a Profile.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var ErrUnknownProvider = errors.New("oauth provider not configured")

type Profile struct {
	ID            string
	Email         string
	Name          string
	Image         string
	EmailVerified bool
}

// Provider describes one identity provider. Decode turns the body of
// ProfileURL into a Profile.
type Provider struct {
	Name       string
	Config     *oauth2.Config
	ProfileURL string
	Decode     func(body []byte) (*Profile, error)
}

type Client struct {
	httpClient *http.Client
	providers  map[string]*Provider
	log        *logrus.Entry
}

type loggingTransport struct {
	log  *logrus.Entry
	base http.RoundTripper
}

func NewClient(logger *logrus.Logger, cfg config.OAuthConfig) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &loggingTransport{
				log:  logger.WithField("component", "oauth_transport"),
				base: http.DefaultTransport,
			},
		},
		providers: make(map[string]*Provider),
		log:       logger.WithField("component", "oauth_client"),
	}

	redirect := func(name string) string {
		return strings.TrimRight(cfg.RedirectBaseURL, "/") + "/api/auth/" + name + "/callback"
	}

	if cfg.Google.Enabled() {
		c.Register(&Provider{
			Name: "google",
			Config: &oauth2.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				Endpoint:     endpoints.Google,
				RedirectURL:  redirect("google"),
				Scopes:       []string{"openid", "email", "profile"},
			},
			ProfileURL: "https://www.googleapis.com/oauth2/v3/userinfo",
			Decode:     decodeGoogle,
		})
	}
	if cfg.Facebook.Enabled() {
		c.Register(&Provider{
			Name: "facebook",
			Config: &oauth2.Config{
				ClientID:     cfg.Facebook.ClientID,
				ClientSecret: cfg.Facebook.ClientSecret,
				Endpoint:     endpoints.Facebook,
				RedirectURL:  redirect("facebook"),
				Scopes:       []string{"email", "public_profile"},
			},
			ProfileURL: "https://graph.facebook.com/me?fields=id,name,email,picture.type(large)",
			Decode:     decodeFacebook,
		})
	}
	if cfg.Discord.Enabled() {
		c.Register(&Provider{
			Name: "discord",
			Config: &oauth2.Config{
				ClientID:     cfg.Discord.ClientID,
				ClientSecret: cfg.Discord.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://discord.com/oauth2/authorize",
					TokenURL: "https://discord.com/api/oauth2/token",
				},
				RedirectURL: redirect("discord"),
				Scopes:      []string{"identify", "email"},
			},
			ProfileURL: "https://discord.com/api/users/@me",
			Decode:     decodeDiscord,
		})
	}
	return c
}

func (c *Client) Register(p *Provider) {
	c.providers[p.Name] = p
	c.log.WithField("provider", p.Name).Debug("OAuth provider registered")
}

func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) Enabled(name string) bool {
	_, ok := c.providers[name]
	return ok
}

func (c *Client) AuthCodeURL(name, state string) (string, error) {
	p, ok := c.providers[name]
	if !ok {
		return "", ErrUnknownProvider
	}
	return p.Config.AuthCodeURL(state), nil
}

// Exchange trades an authorization code for a token and fetches the
// provider's profile with it.
func (c *Client) Exchange(ctx context.Context, name, code string) (*Profile, error) {
	p, ok := c.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	start := time.Now()
	log := c.log.WithFields(logrus.Fields{
		"operation": "oauth_exchange",
		"provider":  name,
	})

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := p.Config.Exchange(ctx, code)
	if err != nil {
		log.WithError(err).Error("Token exchange failed")
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.Config.Client(ctx, token).Do(req)
	if err != nil {
		log.WithError(err).Error("Profile request failed")
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithField("status_code", resp.StatusCode).Error("Profile request rejected")
		return nil, fmt.Errorf("profile request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	profile, err := p.Decode(body)
	if err != nil {
		log.WithError(err).Error("Failed to decode profile")
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if profile.ID == "" {
		return nil, errors.New("profile has no account id")
	}

	log.WithField("duration", time.Since(start)).Debug("Fetched OAuth profile")
	return profile, nil
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"host":   req.URL.Host,
		"path":   req.URL.Path,
	})

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}

func decodeGoogle(body []byte) (*Profile, error) {
	var v struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return &Profile{ID: v.Sub, Email: v.Email, Name: v.Name, Image: v.Picture, EmailVerified: v.EmailVerified}, nil
}

func decodeFacebook(body []byte) (*Profile, error) {
	var v struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	// Facebook only returns confirmed addresses.
	return &Profile{ID: v.ID, Email: v.Email, Name: v.Name, Image: v.Picture.Data.URL, EmailVerified: v.Email != ""}, nil
}

func decodeDiscord(body []byte) (*Profile, error) {
	var v struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
		Email      string `json:"email"`
		Verified   bool   `json:"verified"`
		Avatar     string `json:"avatar"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	p := &Profile{ID: v.ID, Email: v.Email, Name: v.GlobalName, EmailVerified: v.Verified}
	if p.Name == "" {
		p.Name = v.Username
	}
	if v.Avatar != "" {
		p.Image = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", v.ID, v.Avatar)
	}
	return p, nil
}
