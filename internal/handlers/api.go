package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
)

// APIHandler serves the service-level endpoints.
type APIHandler struct {
	broker *broker.Broker
	logger arbor.ILogger
}

// NewAPIHandler creates the service-level handler.
func NewAPIHandler(b *broker.Broker, logger arbor.ILogger) *APIHandler {
	return &APIHandler{broker: b, logger: logger}
}

// InfoHandler reports the service version. GET /info.
func (h *APIHandler) InfoHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

// HealthHandler reports process liveness and broker health. GET /health.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	brokerUp := h.broker.Connected()
	status := http.StatusOK
	if !brokerUp {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]interface{}{
		"success":   brokerUp,
		"broker":    brokerUp,
		"queues":    len(h.broker.QueueNames()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// NotFoundHandler is the fallback for unmatched routes.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "not found")
}
