package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/queue"
	"github.com/ternarybob/migro/internal/worker"
)

// QueueHandler manages queue family lifecycle.
// POST/DELETE/GET /queues/{configId}.
type QueueHandler struct {
	queues  *queue.Manager
	runtime *worker.Runtime
	logger  arbor.ILogger
}

// NewQueueHandler creates the queue lifecycle handler.
func NewQueueHandler(queues *queue.Manager, runtime *worker.Runtime, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{queues: queues, runtime: runtime, logger: logger}
}

// Handle dispatches on the request method.
func (h *QueueHandler) Handle(w http.ResponseWriter, r *http.Request) {
	configID := PathSuffix(r, "/queues")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.create(w, r, configID)
	case http.MethodDelete:
		h.delete(w, r, configID)
	case http.MethodGet:
		h.stats(w, r, configID)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *QueueHandler) create(w http.ResponseWriter, r *http.Request, configID string) {
	names, err := h.queues.CreateFamily(r.Context(), configID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	// Bind consumers for families created after startup.
	if h.runtime != nil {
		if err := h.runtime.StartConfig(configID); err != nil {
			h.logger.Warn().Err(err).Str("config", configID).Msg("Failed to bind consumers for new family")
		}
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId": configID,
		"queues":   names,
	})
}

func (h *QueueHandler) delete(w http.ResponseWriter, r *http.Request, configID string) {
	deleted, purged, err := h.queues.DeleteFamily(r.Context(), configID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId":       configID,
		"deletedQueues":  deleted,
		"messagesPurged": purged,
	})
}

func (h *QueueHandler) stats(w http.ResponseWriter, r *http.Request, configID string) {
	stats, err := h.queues.StatsFor(r.Context(), configID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId": configID,
		"perQueue": stats.PerQueue,
		"dlq":      stats.DLQDepth,
		"health":   stats.Health,
	})
}
