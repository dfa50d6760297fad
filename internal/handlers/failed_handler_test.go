package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// memConfigs is an in-memory ConfigStorage shared by the handler tests.
type memConfigs struct {
	configs map[string]models.MigrationConfig
}

func newMemConfigs(configs ...models.MigrationConfig) *memConfigs {
	m := &memConfigs{configs: make(map[string]models.MigrationConfig)}
	for _, c := range configs {
		m.configs[c.ID] = c
	}
	return m
}

func (m *memConfigs) Get(_ context.Context, id string) (*models.MigrationConfig, error) {
	c, ok := m.configs[id]
	if !ok {
		return nil, models.ErrConfigNotFound
	}
	return &c, nil
}

func (m *memConfigs) List(_ context.Context) ([]models.MigrationConfig, error) {
	out := make([]models.MigrationConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memConfigs) Upsert(_ context.Context, c *models.MigrationConfig) error {
	m.configs[c.ID] = *c
	return nil
}

func (m *memConfigs) Delete(_ context.Context, id string) error {
	delete(m.configs, id)
	return nil
}

func handlerConfig(id string) models.MigrationConfig {
	return models.MigrationConfig{
		ID:   id,
		Name: "Handler test " + id,
		Source: models.SourceInstance{
			BaseURL:  "http://source.example.org",
			Username: "reader",
			Password: "secret",
		},
		Destination: models.TargetInstance{
			BaseURL:  "http://dest.example.org",
			Username: "writer",
			Password: "secret",
		},
		DataItems: []models.DataItemConfig{
			{
				ID:         "item1",
				PeriodType: queue.PeriodMonthly,
				Mappings:   []models.Mapping{{SourceID: "srcDE", DestinationID: "dstDE"}},
			},
		},
	}
}

// newFamily builds a broker with cfg1's queue family declared.
func newFamily(t *testing.T) (*broker.Broker, *queue.Manager, *memConfigs) {
	t.Helper()
	b := broker.New(t.TempDir(), time.Minute, 10*time.Millisecond, common.GetLogger())
	require.NoError(t, b.Connect(1, time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })

	configs := newMemConfigs(handlerConfig("cfg1"))
	m := queue.NewManager(b, configs, common.GetLogger())
	_, err := m.CreateFamily(context.Background(), "cfg1")
	require.NoError(t, err)
	return b, m, configs
}

func seedDLQ(t *testing.T, b *broker.Broker, origin, queueType string) {
	t.Helper()
	job := &models.Job{ConfigID: "cfg1", JobID: common.NewJobID(), Kind: models.JobKind(queueType)}
	body, err := job.Encode()
	require.NoError(t, err)
	require.NoError(t, b.Publish(models.DLQName("cfg1"), body, map[string]string{
		broker.HeaderOriginalQueue:  origin,
		broker.HeaderQueueType:      queueType,
		broker.HeaderRetryCount:     "2",
		broker.HeaderErrorName:      "UpstreamFatal",
		broker.HeaderErrorMessage:   "upstream returned 400",
		broker.HeaderErrorTimestamp: time.Now().UTC().Format(time.RFC3339),
		broker.HeaderDeathTime:      time.Now().UTC().Format(time.RFC3339),
	}))
}

func doRequest(h http.HandlerFunc, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(method, target, nil))
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func newFailedHandler(t *testing.T) (*FailedHandler, *broker.Broker) {
	t.Helper()
	b, _, configs := newFamily(t)
	publish := b.Channel(broker.ChannelPublish, 10)
	return NewFailedHandler(b, publish, configs, common.GetLogger()), b
}

func TestFailedQueueList(t *testing.T) {
	h, b := newFailedHandler(t)
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	seedDLQ(t, b, "metadata.download.cfg1", "metadataDownload")

	w, body := doRequest(h.Handle, http.MethodGet, "http://x/failed-queue/cfg1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["messages"], 3)

	// Filter by originating queue.
	w, body = doRequest(h.Handle, http.MethodGet, "http://x/failed-queue/cfg1?queue=metadata.download.cfg1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	// Summary view.
	w, body = doRequest(h.Handle, http.MethodGet, "http://x/failed-queue/cfg1?onlyQueues=true")
	require.Equal(t, http.StatusOK, w.Code)
	queues := body["queues"].(map[string]interface{})
	assert.Equal(t, float64(2), queues["data.upload.cfg1"])
	assert.Equal(t, float64(1), queues["metadata.download.cfg1"])
}

func TestFailedQueueListPagination(t *testing.T) {
	h, b := newFailedHandler(t)
	for i := 0; i < 5; i++ {
		seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	}

	w, body := doRequest(h.Handle, http.MethodGet, "http://x/failed-queue/cfg1?offset=3&limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, float64(3), body["offset"])
	assert.Len(t, body["messages"], 2)
}

func TestFailedQueueUnknownConfig(t *testing.T) {
	h, _ := newFailedHandler(t)
	w, _ := doRequest(h.Handle, http.MethodGet, "http://x/failed-queue/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailedQueuePurge(t *testing.T) {
	h, b := newFailedHandler(t)
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")

	w, body := doRequest(h.Handle, http.MethodDelete, "http://x/failed-queue/cfg1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["purged"])

	depth, err := b.Depth(models.DLQName("cfg1"))
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRetryByProcessType(t *testing.T) {
	h, b := newFailedHandler(t)
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")
	seedDLQ(t, b, "metadata.download.cfg1", "metadataDownload")

	w, body := doRequest(h.RetryHandler, http.MethodGet,
		"http://x/retry/cfg1?retryType=process-type&processType=dataUpload&maxRetries=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["retried"])

	// Replayed messages land on their original queue with the failure
	// headers stripped and the retry counter reset.
	msgs, err := b.Peek("data.upload.cfg1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "0", msgs[0].Headers[broker.HeaderRetryCount])
	assert.Empty(t, msgs[0].Headers[broker.HeaderErrorName])
	assert.Empty(t, msgs[0].Headers[broker.HeaderOriginalQueue])

	// The metadata failure stays behind.
	depth, err := b.Depth(models.DLQName("cfg1"))
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRetrySingleMessage(t *testing.T) {
	h, b := newFailedHandler(t)
	seedDLQ(t, b, "data.upload.cfg1", "dataUpload")

	msgs, err := b.Peek(models.DLQName("cfg1"), 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	w, body := doRequest(h.RetryHandler, http.MethodPost,
		"http://x/retry/cfg1/message/"+msgs[0].ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["retried"])

	depth, err := b.Depth("data.upload.cfg1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestRetrySingleMessageNotFound(t *testing.T) {
	h, _ := newFailedHandler(t)
	w, _ := doRequest(h.RetryHandler, http.MethodPost, "http://x/retry/cfg1/message/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryValidation(t *testing.T) {
	h, _ := newFailedHandler(t)

	w, _ := doRequest(h.RetryHandler, http.MethodGet, "http://x/retry/cfg1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(h.RetryHandler, http.MethodGet, "http://x/retry/cfg1?retryType=process-type")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(h.RetryHandler, http.MethodGet,
		"http://x/retry/ghost?retryType=process-type&processType=dataUpload")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
