package handlers

import (
	"net/http"

	"github.com/sdko-org/blog-api/internal/response"
)

func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]string{
		"name":        "blog-api",
		"environment": h.cfg.App.Env,
	}, response.WithMessage("Welcome to the blog API"))
}

// Health answers 200 with the report when every dependency is reachable and
// 503 with the report as error details otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	if report.Healthy() {
		response.Success(w, http.StatusOK, report)
		return
	}
	response.ErrorWithCode(w, http.StatusServiceUnavailable, "Service degraded", "SERVICE_DEGRADED", report)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusNotFound, "Route not found", nil)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
}
