package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/chat"
	"github.com/Kocoro-lab/chatflow/internal/tasks"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("invalid request")

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrThreadNotFound),
		errors.Is(err, tasks.ErrThreadNotFound),
		errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, tasks.ErrEmptyRequest),
		errors.Is(err, tasks.ErrInvalidChoice),
		errors.Is(err, tasks.ErrNotAwaitingChoice),
		errors.Is(err, tasks.ErrNotCancellable),
		errors.Is(err, tasks.ErrNotStreaming):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes {"error": msg}. Client errors are shown with a leading
// capital; internal errors are logged and replaced with a generic message.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := capitalize(err.Error())
	switch code {
	case http.StatusInternalServerError:
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "Internal server error"
	case http.StatusServiceUnavailable:
		s.logger.Warn("Request rejected", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "Service busy, please retry later"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func capitalize(msg string) string {
	r, size := utf8.DecodeRuneInString(msg)
	if r == utf8.RuneError {
		return msg
	}
	return string(unicode.ToUpper(r)) + msg[size:]
}
