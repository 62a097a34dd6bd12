package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/manthysbr/codesense/internal/core/domain"
)

// retryAfterSeconds is sent with 429 responses.
const retryAfterSeconds = 5

// ErrorResponse is the body of every non-2xx JSON response.
//
//	{
//	  "error": "Too Many Requests",
//	  "code": "CAPACITY_REACHED",
//	  "message": "Maximum concurrent jobs (10) reached. Please try again later."
//	}
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// classify maps domain errors to a status, code and client message.
// ok is false for errors that are not the client's fault.
func classify(err error) (status int, code, message string, ok bool) {
	var (
		validationErr *domain.ValidationError
		rejectedErr   *domain.AdmissionRejectedError
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, "INVALID_INPUT", validationErr.Error(), true
	case errors.Is(err, domain.ErrInvalidArchive):
		return http.StatusBadRequest, "INVALID_ARCHIVE", "Invalid zip file", true
	case errors.As(err, &rejectedErr):
		return http.StatusTooManyRequests, "CAPACITY_REACHED", rejectedErr.Error(), true
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", true
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE",
			"Upload exceeds " + strconv.FormatInt(maxBytesErr.Limit, 10) + " bytes", true
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "", false
}

// writeError classifies err and writes the JSON error body. fallback is the
// client message for unexpected errors; their details only go to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, code, message, ok := classify(err)
	if !ok {
		message = fallback
	}

	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error_code", code,
		"error", err,
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSONError(w, status, code, message)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
