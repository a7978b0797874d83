package ratelimit

import (
	"net/http"
	"strings"
	"time"

	"github.com/sdko-org/blog-api/internal/reqctx"
)

const DefaultMessage = "Too many requests from this user, please try again later."

type Policy struct {
	Name    string
	Window  time.Duration
	Limit   int64
	Message string
}

var (
	// Strict guards sensitive mutations such as sign-in and uploads.
	Strict = Policy{Name: "strict", Window: time.Minute, Limit: 5, Message: "Too many attempts, please try again later."}
	// Standard covers ordinary authenticated writes.
	Standard = Policy{Name: "standard", Window: time.Minute, Limit: 30, Message: DefaultMessage}
	// Relaxed covers read-heavy authenticated endpoints.
	Relaxed = Policy{Name: "relaxed", Window: time.Minute, Limit: 60, Message: DefaultMessage}
)

// Global is the coarse per-IP limiter applied to every request.
func Global(limit int, window time.Duration) Policy {
	return Policy{
		Name:    "global",
		Window:  window,
		Limit:   int64(limit),
		Message: "Too many requests, please try again later.",
	}
}

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

type Identity struct {
	Scope Scope
	Value string
}

func (i Identity) Key() string {
	return string(i.Scope) + ":" + i.Value
}

func UserIdentity(id string) Identity {
	return Identity{Scope: ScopeUser, Value: id}
}

func IPIdentity(ip string) Identity {
	return Identity{Scope: ScopeIP, Value: ip}
}

// IdentityFunc picks the identity a request is counted against.
type IdentityFunc func(r *http.Request) Identity

// IdentityFor keys on the authenticated user when there is one, otherwise on
// the client address.
func IdentityFor(r *http.Request) Identity {
	if user := reqctx.User(r.Context()); user != nil {
		return UserIdentity(user.ID)
	}
	return ClientIdentity(r)
}

func ClientIdentity(r *http.Request) Identity {
	return IPIdentity(ClientIP(r))
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then
// "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}
