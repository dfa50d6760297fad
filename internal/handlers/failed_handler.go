package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// Retry limits for DLQ replay. Operators can raise maxRetries per request
// up to the cap.
const (
	DefaultRetryBatch = 10
	MaxRetryBatch     = 100
)

// FailedHandler exposes the dead-letter queue: listing, purge and the two
// replay operations.
type FailedHandler struct {
	broker  *broker.Broker
	publish *broker.Channel
	configs interfaces.ConfigStorage
	logger  arbor.ILogger
}

// NewFailedHandler creates the DLQ handler. Replays publish on the
// worker-publish channel.
func NewFailedHandler(b *broker.Broker, publish *broker.Channel, configs interfaces.ConfigStorage, logger arbor.ILogger) *FailedHandler {
	return &FailedHandler{broker: b, publish: publish, configs: configs, logger: logger}
}

// Handle dispatches /failed-queue/{configId} on method.
func (h *FailedHandler) Handle(w http.ResponseWriter, r *http.Request) {
	configID := PathSuffix(r, "/failed-queue")
	if configID == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}
	if _, err := h.configs.Get(r.Context(), configID); err != nil {
		WriteErr(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.list(w, r, configID)
	case http.MethodDelete:
		h.purge(w, r, configID)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// list serves GET /failed-queue/{configId} with pagination and optional
// filtering by originating queue.
func (h *FailedHandler) list(w http.ResponseWriter, r *http.Request, configID string) {
	dlq := models.DLQName(configID)

	var all []broker.StoredMessage
	if h.broker.HasQueue(dlq) {
		var err error
		all, err = h.broker.Peek(dlq, 0, 0)
		if err != nil {
			WriteErr(w, err)
			return
		}
	}

	queueFilter := r.URL.Query().Get("queue")
	var filtered []broker.StoredMessage
	byQueue := make(map[string]int)
	for _, msg := range all {
		origin := msg.Headers[broker.HeaderOriginalQueue]
		byQueue[origin]++
		if queueFilter != "" && origin != queueFilter {
			continue
		}
		filtered = append(filtered, msg)
	}

	if QueryBool(r, "onlyQueues") {
		WriteSuccess(w, http.StatusOK, map[string]interface{}{
			"configId": configID,
			"total":    len(all),
			"queues":   byQueue,
		})
		return
	}

	offset := QueryInt(r, "offset", 0)
	limit := QueryInt(r, "limit", DefaultRetryBatch)
	if offset < 0 {
		offset = 0
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}

	includeBodies := QueryBool(r, "includeMessages")
	messages := make([]models.FailedMessage, 0, end-offset)
	for _, msg := range filtered[offset:end] {
		messages = append(messages, failedView(msg, includeBodies))
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId": configID,
		"total":    len(filtered),
		"offset":   offset,
		"messages": messages,
	})
}

// purge serves DELETE /failed-queue/{configId}.
func (h *FailedHandler) purge(w http.ResponseWriter, r *http.Request, configID string) {
	dlq := models.DLQName(configID)
	purged := 0
	if h.broker.HasQueue(dlq) {
		var err error
		purged, err = h.broker.Purge(dlq)
		if err != nil {
			WriteErr(w, err)
			return
		}
	}
	h.logger.Info().Str("config", configID).Int("purged", purged).Msg("DLQ purged")
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId": configID,
		"purged":   purged,
	})
}

// RetryHandler serves GET /retry/{configId}?retryType=process-type&
// processType=...&maxRetries=..., replaying up to maxRetries DLQ messages
// of the given process kind back onto their original queue.
func (h *FailedHandler) RetryHandler(w http.ResponseWriter, r *http.Request) {
	parts := PathParts(r, "/retry")
	if len(parts) == 0 || parts[0] == "" {
		WriteError(w, http.StatusBadRequest, "configId is required")
		return
	}
	configID := parts[0]
	if _, err := h.configs.Get(r.Context(), configID); err != nil {
		WriteErr(w, err)
		return
	}

	// POST /retry/{configId}/message/{messageId}
	if len(parts) == 3 && parts[1] == "message" {
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		h.retryMessage(w, configID, parts[2])
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if r.URL.Query().Get("retryType") != "process-type" {
		WriteError(w, http.StatusBadRequest, "retryType must be process-type")
		return
	}
	processType := r.URL.Query().Get("processType")
	if processType == "" {
		WriteError(w, http.StatusBadRequest, "processType is required")
		return
	}
	maxRetries := QueryInt(r, "maxRetries", DefaultRetryBatch)
	if maxRetries <= 0 {
		maxRetries = DefaultRetryBatch
	}
	if maxRetries > MaxRetryBatch {
		maxRetries = MaxRetryBatch
	}

	dlq := models.DLQName(configID)
	var candidates []broker.StoredMessage
	if h.broker.HasQueue(dlq) {
		all, err := h.broker.Peek(dlq, 0, 0)
		if err != nil {
			WriteErr(w, err)
			return
		}
		for _, msg := range all {
			if msg.Headers[broker.HeaderQueueType] == processType {
				candidates = append(candidates, msg)
				if len(candidates) == maxRetries {
					break
				}
			}
		}
	}

	retried := 0
	for _, msg := range candidates {
		if err := h.republish(dlq, msg); err != nil {
			h.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("DLQ replay failed")
			continue
		}
		retried++
	}

	h.logger.Info().
		Str("config", configID).
		Str("process_type", processType).
		Int("retried", retried).
		Msg("DLQ replay by process type")
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId":    configID,
		"processType": processType,
		"retried":     retried,
	})
}

func (h *FailedHandler) retryMessage(w http.ResponseWriter, configID, messageID string) {
	dlq := models.DLQName(configID)
	msg, err := h.broker.GetMessage(dlq, messageID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := h.republish(dlq, *msg); err != nil {
		WriteErr(w, err)
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"configId":  configID,
		"messageId": messageID,
		"retried":   true,
	})
}

// republish returns a dead-lettered message to its original queue with a
// reset retry counter and the failure headers stripped.
func (h *FailedHandler) republish(dlq string, msg broker.StoredMessage) error {
	origin := msg.Headers[broker.HeaderOriginalQueue]
	if origin == "" || !h.broker.HasQueue(origin) {
		return models.ErrQueueNotFound
	}

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		switch k {
		case broker.HeaderRetryCount, broker.HeaderFailureReason,
			broker.HeaderErrorMessage, broker.HeaderErrorName,
			broker.HeaderErrorTimestamp, broker.HeaderOriginalQueue,
			broker.HeaderDeathTime, broker.HeaderHTTPStatus,
			broker.HeaderHTTPCode, broker.HeaderHTTPURL:
			continue
		}
		headers[k] = v
	}
	headers[broker.HeaderRetryCount] = "0"

	if err := h.publish.Publish(origin, msg.Body, headers); err != nil {
		return err
	}
	return h.broker.RemoveMessage(dlq, msg.ID)
}

// failedView projects a stored DLQ message for operators.
func failedView(msg broker.StoredMessage, includeBody bool) models.FailedMessage {
	origin := msg.Headers[broker.HeaderOriginalQueue]
	kind, _ := models.KindForQueue(origin)
	if qt := msg.Headers[broker.HeaderQueueType]; qt != "" {
		kind = models.JobKind(qt)
	}

	deadAt := msg.EnqueuedAt
	if raw := msg.Headers[broker.HeaderDeathTime]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			deadAt = t
		}
	}

	view := models.FailedMessage{
		MessageID:      msg.ID,
		OriginalQueue:  origin,
		Kind:           kind,
		Headers:        msg.Headers,
		DeadLetteredAt: deadAt,
	}
	if includeBody {
		view.Body = msg.Body
	}
	return view
}
