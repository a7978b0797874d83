package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sdko-org/blog-api/internal/apperr"
	"github.com/sdko-org/blog-api/internal/config"
	"github.com/sdko-org/blog-api/internal/health"
	"github.com/sdko-org/blog-api/internal/models"
	"github.com/sdko-org/blog-api/internal/ratelimit"
	"github.com/sdko-org/blog-api/internal/reqctx"
	"github.com/sdko-org/blog-api/internal/response"
	"github.com/sdko-org/blog-api/internal/services"
	"github.com/sirupsen/logrus"
)

const maxJSONBody = 1 << 20

// appHandler returns its failure instead of writing it.
type appHandler func(w http.ResponseWriter, r *http.Request) error

type Handler struct {
	cfg      *config.Config
	services *services.Services
	health   *health.Checker
	log      *logrus.Entry
}

func NewHandler(logger *logrus.Logger, cfg *config.Config, svc *services.Services, checker *health.Checker) *Handler {
	return &Handler{
		cfg:      cfg,
		services: svc,
		health:   checker,
		log:      logger.WithField("component", "api_handler"),
	}
}

func (h *Handler) wrap(fn appHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			h.fail(w, r, err)
		}
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"error":  err,
	}
	e, ok := apperr.As(err)
	switch {
	case !ok || e.Kind == apperr.KindInternal:
		h.log.WithFields(fields).Error("Request failed")
	case e.Kind == apperr.KindUnavailable:
		h.log.WithFields(fields).Warn("Dependency unavailable")
	}
	response.FromError(w, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Validation("Request body too large", nil)
		case errors.Is(err, io.EOF):
			return apperr.Validation("Request body is required", nil)
		}
		return apperr.Validation("Invalid JSON body", nil)
	}
	return nil
}

func currentUser(r *http.Request) (*models.User, error) {
	user := reqctx.User(r.Context())
	if user == nil {
		return nil, apperr.Unauthorized("Authentication required")
	}
	return user, nil
}

func requestMeta(r *http.Request) services.RequestMeta {
	return services.RequestMeta{
		IPAddress: ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func pageFrom(r *http.Request) services.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return services.NewPage(page, limit)
}

// publishedOnly filters to published blogs for ?published=true. Any other
// value lists every blog.
func publishedOnly(r *http.Request) *bool {
	if r.URL.Query().Get("published") != "true" {
		return nil
	}
	published := true
	return &published
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
