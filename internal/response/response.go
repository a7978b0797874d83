// Package response writes the JSON envelope every endpoint answers with.
//
// Success bodies are {success:true, data, message?, meta?}; error bodies are
// {success:false, error:{message, details?, code?}}. The status class always
// agrees with the success flag.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/sdko-org/blog-api/internal/apperr"
)

type SuccessBody struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type Option func(*SuccessBody)

func WithMessage(message string) Option {
	return func(b *SuccessBody) { b.Message = message }
}

func WithMeta(meta any) Option {
	return func(b *SuccessBody) { b.Meta = meta }
}

// Success writes a success envelope. A zero or non-2xx status becomes 200.
func Success(w http.ResponseWriter, status int, data any, opts ...Option) {
	if status < 200 || status > 299 {
		status = http.StatusOK
	}
	body := SuccessBody{Success: true, Data: data}
	for _, opt := range opts {
		opt(&body)
	}
	writeJSON(w, status, body)
}

// Error writes an error envelope. A zero or sub-400 status becomes 400.
func Error(w http.ResponseWriter, status int, message string, details any) {
	writeError(w, status, ErrorDetail{Message: message, Details: details})
}

func ErrorWithCode(w http.ResponseWriter, status int, message, code string, details any) {
	writeError(w, status, ErrorDetail{Message: message, Details: details, Code: code})
}

func ServerError(w http.ResponseWriter, message string, details any) {
	if message == "" {
		message = "Internal server error"
	}
	writeError(w, http.StatusInternalServerError, ErrorDetail{Message: message, Details: details})
}

// FromError renders err. Only *apperr.Error messages reach the client;
// anything else becomes a generic 500.
func FromError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		ServerError(w, "", nil)
		return
	}
	writeError(w, e.Status(), ErrorDetail{Message: e.Message, Details: e.Details, Code: e.Code})
}

func writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	if status < 400 || status > 599 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorBody{Success: false, Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
