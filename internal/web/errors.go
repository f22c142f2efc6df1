package web

// errors.go provides unified error responses for the API.
//
// Every error is:
//   - logged with full technical detail and the request ID (server-side)
//   - returned to the client as a user-friendly message with an action
//     and a support code from core.MapError
//
// The HTTP status is chosen from the error's sentinel, not its text.

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/equipimport/internal/core"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequestBody marks a body that is not the JSON the endpoint expects.
var errBadRequestBody = errors.New("invalid request body")

// errNoFile marks a multipart upload without a file part.
var errNoFile = errors.New("no file provided")

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	log := slog.Warn
	if status >= http.StatusInternalServerError {
		log = slog.Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeJSON(w, status, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, core.ErrFileTooLarge), errors.Is(err, core.ErrTooManyRows):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTooManyImports):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrUnsupportedFormat),
		errors.Is(err, core.ErrEmptyFile),
		errors.Is(err, core.ErrHeaderRowMissing),
		errors.Is(err, core.ErrMissingRequiredField),
		errors.Is(err, core.ErrDuplicateFieldMapping),
		errors.Is(err, core.ErrUnknownField),
		errors.Is(err, core.ErrUnknownHeader),
		errors.Is(err, errBadRequestBody),
		errors.Is(err, errNoFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
