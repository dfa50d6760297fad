package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
	"github.com/ternarybob/migro/internal/validation"
)

// StatusHandler reports a config's aggregate pipeline state.
// GET /status/{configId}.
type StatusHandler struct {
	queues   *queue.Manager
	sessions *validation.SessionStore
	logger   arbor.ILogger
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(queues *queue.Manager, sessions *validation.SessionStore, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{queues: queues, sessions: sessions, logger: logger}
}

// queueReport is one queue's entry in the status payload.
type queueReport struct {
	Queue     string              `json:"queue"`
	Ready     int                 `json:"ready"`
	Unacked   int                 `json:"unacked"`
	Consumers int                 `json:"consumers"`
	Status    models.ConfigStatus `json:"status"`
}

// GetStatusHandler serves the aggregate status of a config's queue family.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	configID := PathSuffix(r, "/status")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	stats, err := h.queues.StatsFor(r.Context(), configID)
	if err != nil {
		WriteErr(w, err)
		return
	}

	queues := make(map[string]queueReport, len(stats.PerQueue))
	var statuses []models.ConfigStatus
	for kind, qs := range stats.PerQueue {
		status := models.QueueStatus(qs, stats.DLQDepth, qs.Consumers > 0)
		statuses = append(statuses, status)
		queues[kind] = queueReport{
			Queue:     qs.Name,
			Ready:     qs.Ready,
			Unacked:   qs.Unacked,
			Consumers: qs.Consumers,
			Status:    status,
		}
	}

	payload := map[string]interface{}{
		"configId":  configID,
		"status":    models.ReduceStatus(statuses),
		"queues":    queues,
		"dlq":       stats.DLQDepth,
		"health":    stats.Health,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if session, ok := h.sessions.ForConfig(configID); ok {
		snapshot := session.Snapshot()
		payload["validation"] = map[string]interface{}{
			"sessionId": snapshot.SessionID,
			"status":    snapshot.Status,
			"progress":  snapshot.Progress,
		}
	}

	WriteSuccess(w, http.StatusOK, payload)
}

// GetValidationHandler serves the full result of a config's most recent
// validation session. GET /data-validation/{configId} result view.
func (h *StatusHandler) GetValidationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	configID := PathSuffix(r, "/data-validation")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	session, ok := h.sessions.ForConfig(configID)
	if !ok {
		WriteError(w, http.StatusNotFound, "no validation session for config")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"result": session.Snapshot(),
	})
}
