package middleware

import (
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/sdko-org/blog-api/internal/config"
)

var exposedHeaders = []string{
	"RateLimit-Limit",
	"RateLimit-Remaining",
	"RateLimit-Reset",
	"RateLimit-Policy",
	"Retry-After",
}

// CORS answers preflight requests and decorates the rest. Credentials are
// only allowed for an explicit origin list.
func CORS(cfg config.CORSConfig) Middleware {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	opts := []handlers.CORSOption{
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{
			http.MethodGet, http.MethodHead, http.MethodPost,
			http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Requested-With"}),
		handlers.ExposedHeaders(exposedHeaders),
		handlers.MaxAge(600),
		handlers.OptionStatusCode(http.StatusNoContent),
	}
	if !slices.Contains(origins, "*") {
		opts = append(opts, handlers.AllowCredentials())
	}
	return handlers.CORS(opts...)
}
