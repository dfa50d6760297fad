// Package worker hosts the job consumers: one consumer per (config, queue
// kind), handler dispatch by kind, retry accounting and dead-letter routing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// ImmediateRequeueLimit is how many times a failed job is requeued before
// it dead-letters.
const ImmediateRequeueLimit = 2

type handlerFunc func(ctx context.Context, job *models.Job) error

// Runtime owns the consumers of every known config's queue family.
type Runtime struct {
	broker  *broker.Broker
	storage interfaces.StorageManager
	queues  *queue.Manager
	planner *queue.Planner
	cfg     *common.Config
	logger  arbor.ILogger

	downloadCh *broker.Channel
	uploadCh   *broker.Channel

	handlers map[models.JobKind]handlerFunc

	mu          sync.Mutex
	retryCounts map[string]int
	consuming   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime wires the worker runtime. The planner must publish on the
// dedicated worker-publish channel so handler follow-up jobs are never
// back-pressured by consumer flow control.
func NewRuntime(b *broker.Broker, storage interfaces.StorageManager, queues *queue.Manager, planner *queue.Planner, scratch *ScratchStore, cfg *common.Config, logger arbor.ILogger) *Runtime {
	r := &Runtime{
		broker:      b,
		storage:     storage,
		queues:      queues,
		planner:     planner,
		cfg:         cfg,
		logger:      logger,
		downloadCh:  b.Channel(broker.ChannelDownload, cfg.Broker.PrefetchCount),
		uploadCh:    b.Channel(broker.ChannelUpload, cfg.Broker.PrefetchCount),
		retryCounts: make(map[string]int),
		consuming:   make(map[string]bool),
	}

	clients := newClientFactory(cfg, logger)
	configs := storage.ConfigStorage()
	r.handlers = map[models.JobKind]handlerFunc{
		models.JobMetadataDownload: (&metadataDownloadHandler{
			clients:        clients,
			configs:        configs,
			planner:        planner,
			flexiportalDir: cfg.Configs.Dir + "/flexiportal",
			logger:         logger,
		}).Handle,
		models.JobMetadataUpload: (&metadataUploadHandler{
			clients: clients,
			configs: configs,
			logger:  logger,
		}).Handle,
		models.JobDataDownload: (&dataDownloadHandler{
			clients: clients,
			configs: configs,
			scratch: scratch,
			planner: planner,
			logger:  logger,
		}).Handle,
		models.JobDataUpload: (&dataUploadHandler{
			clients: clients,
			configs: configs,
			scratch: scratch,
			logger:  logger,
		}).Handle,
	}
	// Deletion shares the upload handler; the strategy follows IsDelete.
	r.handlers[models.JobDataDeletion] = r.handlers[models.JobDataUpload]

	return r
}

// Start declares the queue family of every known config, binds consumers
// and launches the reconnect supervisor.
func (r *Runtime) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	configs, err := r.storage.ConfigStorage().List(r.ctx)
	if err != nil {
		return err
	}
	for _, config := range configs {
		if err := r.StartConfig(config.ID); err != nil {
			r.logger.Warn().Err(err).Str("config", config.ID).Msg("Failed to start consumers for config")
		}
	}

	r.wg.Add(1)
	go r.supervise()

	r.logger.Info().Int("configs", len(configs)).Msg("Worker runtime started")
	return nil
}

// StartConfig declares a config's queue family and binds its consumers.
// Idempotent; also called when a family is created through the API after
// startup.
func (r *Runtime) StartConfig(configID string) error {
	if _, err := r.queues.CreateFamily(r.ctx, configID); err != nil {
		return err
	}
	for _, kind := range models.AllJobKinds {
		r.bind(configID, kind)
	}
	return nil
}

// Stop cancels all consumers and waits for them to drain.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("Worker runtime stopped")
}

// channelFor routes downloads and uploads onto separate prefetch windows so
// slow uploads never stall downloads.
func (r *Runtime) channelFor(kind models.JobKind) *broker.Channel {
	switch kind {
	case models.JobMetadataDownload, models.JobDataDownload:
		return r.downloadCh
	default:
		return r.uploadCh
	}
}

func (r *Runtime) bind(configID string, kind models.JobKind) {
	queueName := models.QueueName(kind, configID)

	r.mu.Lock()
	if r.consuming[queueName] {
		r.mu.Unlock()
		return
	}
	r.consuming[queueName] = true
	r.mu.Unlock()

	ch := r.channelFor(kind)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ch.Consume(r.ctx, queueName, func(d *broker.Delivery) {
			r.handleDelivery(kind, d)
		})
	}()

	r.logger.Debug().
		Str("queue", queueName).
		Str("channel", string(ch.Kind())).
		Msg("Consumer bound")
}

// supervise reconnects the broker when the connection drops. Consumers keep
// polling through an outage, so a successful reconnect resumes them without
// rebinding.
func (r *Runtime) supervise() {
	defer r.wg.Done()

	delay := common.ParseDurationOr(r.cfg.Broker.ReconnectDelay, broker.DefaultReconnectDelay)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.broker.Connected() {
				continue
			}
			r.logger.Warn().Msg("Broker connection lost, reconnecting")
			if err := r.broker.Connect(1, delay); err != nil {
				r.logger.Error().Err(err).Msg("Broker reconnect failed")
			}
		}
	}
}

func (r *Runtime) handleDelivery(kind models.JobKind, d *broker.Delivery) {
	job, err := models.DecodeJob(d.Body)
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("queue", d.Queue).
			Str("message_id", d.MessageID).
			Msg("Undecodable job, dead-lettering")
		r.deadLetter(d, kind, "", err)
		return
	}

	handler, ok := r.handlers[kind]
	if !ok {
		// Poison-message hygiene: discard rather than loop forever.
		r.logger.Warn().
			Str("queue", d.Queue).
			Str("kind", string(kind)).
			Str("job", job.JobID).
			Msg("No handler for queue kind, discarding message")
		if err := d.Ack(); err != nil {
			r.logger.Warn().Err(err).Str("job", job.JobID).Msg("Ack failed")
		}
		return
	}

	err = handler(r.ctx, job)
	if err == nil {
		r.clearRetries(job.JobID)
		if err := d.Ack(); err != nil {
			r.logger.Warn().Err(err).Str("job", job.JobID).Msg("Ack failed")
		}
		return
	}

	// Fatal faults go straight to the DLQ: payloads that cannot get better,
	// upstream 4xx rejections, and conflicts the handler could not absorb.
	if errors.Is(err, models.ErrPayloadInvalid) ||
		errors.Is(err, models.ErrConfigNotFound) ||
		models.IsUpstreamFatal(err) ||
		models.IsConflict(err) {
		r.logger.Error().
			Err(err).
			Str("job", job.JobID).
			Str("queue", d.Queue).
			Msg("Fatal job failure, dead-lettering")
		r.deadLetter(d, kind, job.JobID, err)
		return
	}

	count := r.retryCount(job.JobID, d.Headers)
	if count < ImmediateRequeueLimit {
		count++
		r.setRetryCount(job.JobID, count)
		d.SetHeader(broker.HeaderRetryCount, strconv.Itoa(count))
		r.logger.Warn().
			Err(err).
			Str("job", job.JobID).
			Str("queue", d.Queue).
			Int("retry", count).
			Msg("Job failed, requeueing")
		if err := d.Nack(true); err != nil {
			r.logger.Warn().Err(err).Str("job", job.JobID).Msg("Nack failed")
		}
		return
	}

	r.logger.Error().
		Err(err).
		Str("job", job.JobID).
		Str("queue", d.Queue).
		Int("retries", count).
		Msg("Retry limit exceeded, dead-lettering")
	r.deadLetter(d, kind, job.JobID, err)
}

// deadLetter stamps the failure headers and routes the message to the
// family DLQ.
func (r *Runtime) deadLetter(d *broker.Delivery, kind models.JobKind, jobID string, cause error) {
	now := time.Now().UTC().Format(time.RFC3339)
	name := errorName(cause)

	reason := map[string]string{
		"message":   cause.Error(),
		"name":      name,
		"timestamp": now,
	}
	d.SetHeader(broker.HeaderErrorMessage, cause.Error())
	d.SetHeader(broker.HeaderErrorName, name)
	d.SetHeader(broker.HeaderErrorTimestamp, now)
	d.SetHeader(broker.HeaderQueueType, string(kind))

	if he, ok := models.AsHTTPError(cause); ok {
		status := strconv.Itoa(he.StatusCode)
		d.SetHeader(broker.HeaderHTTPStatus, status)
		d.SetHeader(broker.HeaderHTTPCode, http.StatusText(he.StatusCode))
		d.SetHeader(broker.HeaderHTTPURL, he.URL)
		reason["status"] = status
		reason["url"] = he.URL
	}

	if payload, err := json.Marshal(reason); err == nil {
		d.SetHeader(broker.HeaderFailureReason, string(payload))
	}

	if jobID != "" {
		r.clearRetries(jobID)
	}
	if err := d.Nack(false); err != nil {
		r.logger.Error().Err(err).Str("message_id", d.MessageID).Msg("Dead-letter nack failed")
	}
}

// retryCount resolves the current retry count from the process-local table
// and the durable message header, whichever is higher.
func (r *Runtime) retryCount(jobID string, headers map[string]string) int {
	r.mu.Lock()
	count := r.retryCounts[jobID]
	r.mu.Unlock()

	if raw, ok := headers[broker.HeaderRetryCount]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > count {
			count = n
		}
	}
	return count
}

func (r *Runtime) setRetryCount(jobID string, count int) {
	r.mu.Lock()
	r.retryCounts[jobID] = count
	r.mu.Unlock()
}

func (r *Runtime) clearRetries(jobID string) {
	r.mu.Lock()
	delete(r.retryCounts, jobID)
	r.mu.Unlock()
}

// errorName labels a failure for the DLQ headers.
func errorName(err error) string {
	switch {
	case errors.Is(err, models.ErrPayloadInvalid):
		return "PayloadInvalid"
	case errors.Is(err, models.ErrConfigNotFound):
		return "ConfigNotFound"
	case errors.Is(err, models.ErrBrokerUnavailable):
		return "BrokerUnavailable"
	default:
	}
	if he, ok := models.AsHTTPError(err); ok {
		switch {
		case he.StatusCode == 409:
			return "UpstreamConflict"
		case models.IsTransient(err):
			return "UpstreamTransient"
		default:
			return "UpstreamFatal"
		}
	}
	if models.IsTransient(err) {
		return "UpstreamTransient"
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return "ValidationError"
	}
	return "Internal"
}
