package middleware

import (
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/sdko-org/blog-api/internal/response"
)

var acceptedContentTypes = []string{"application/json", "multipart/form-data"}

// ContentType rejects bodies that are neither JSON nor multipart. Safe
// methods pass through untouched.
func ContentType() Middleware {
	details := map[string]any{"expected": acceptedContentTypes}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get("Content-Type"))
			if raw == "" {
				response.Error(w, http.StatusUnsupportedMediaType, "Content-Type header is required", details)
				return
			}
			mediaType, _, err := mime.ParseMediaType(raw)
			if err != nil || !slices.Contains(acceptedContentTypes, mediaType) {
				response.Error(w, http.StatusUnsupportedMediaType, "Unsupported content type", details)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
