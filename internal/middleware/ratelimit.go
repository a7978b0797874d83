package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/response"
)

const (
	codeRateLimited      = "RATE_LIMIT_EXCEEDED"
	codeStoreUnavailable = "RATE_LIMIT_STORE_UNAVAILABLE"
)

// RateLimit counts each request against policy for the identity id picks.
// A nil id counts by user when authenticated, else by client address.
func RateLimit(limiter *ratelimit.Limiter, policy ratelimit.Policy, id ratelimit.IdentityFunc) Middleware {
	if id == nil {
		id = ratelimit.IdentityFor
	}
	policyHeader := strconv.FormatInt(policy.Limit, 10) + ";w=" + strconv.Itoa(int(policy.Window/time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.CheckAndConsume(r.Context(), id(r), policy)
			if err != nil {
				if errors.Is(err, ratelimit.ErrStoreUnavailable) {
					response.ErrorWithCode(w, http.StatusServiceUnavailable, "Rate limiter unavailable", codeStoreUnavailable, nil)
					return
				}
				response.ServerError(w, "", nil)
				return
			}

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("RateLimit-Policy", policyHeader)
			reset := resetSeconds(res.ResetAt, limiter.Now(), policy.Window)
			h.Set("RateLimit-Reset", strconv.Itoa(reset))

			if !res.Allowed {
				h.Set("Retry-After", strconv.Itoa(reset))
				message := policy.Message
				if message == "" {
					message = ratelimit.DefaultMessage
				}
				response.ErrorWithCode(w, http.StatusTooManyRequests, message, codeRateLimited, map[string]any{
					"retryAfter": reset,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resetSeconds rounds up so a client never retries before the window
// closes. An unknown reset (counter without expiry) reports the full window.
func resetSeconds(at, now time.Time, window time.Duration) int {
	if at.IsZero() {
		return int(math.Ceil(window.Seconds()))
	}
	return max(0, int(math.Ceil(at.Sub(now).Seconds())))
}
