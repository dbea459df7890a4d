package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers /health and /ready.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReadiness)
}

// handleHealth is the liveness view: the process answers, so it is 200 with
// the aggregate status in the body.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    report.Status,
		"message":   report.Message,
		"timestamp": report.Timestamp.Unix(),
		"duration":  report.Duration.String(),
	})
}

// handleReadiness is 503 while a critical component is failing.
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	h.write(w, status, map[string]interface{}{
		"status":     report.Status,
		"ready":      report.Ready,
		"message":    report.Message,
		"components": report.Components,
		"timestamp":  time.Now().Unix(),
	})
}

func (h *HTTPHandler) write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
