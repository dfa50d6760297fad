package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// memConfigs is an in-memory ConfigStorage for runtime tests.
type memConfigs struct {
	configs map[string]models.MigrationConfig
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

// memStorage satisfies StorageManager over memConfigs. The runtime never
// touches validation storage or file loading.
type memStorage struct {
	configs *memConfigs
}

func (m *memStorage) ConfigStorage() interfaces.ConfigStorage         { return m.configs }
func (m *memStorage) ValidationStorage() interfaces.ValidationStorage { return nil }
func (m *memStorage) LoadConfigsFromFiles(context.Context, string) error {
	return nil
}
func (m *memStorage) Close() error { return nil }

// newTestRuntime starts a full runtime against a single config whose
// destination points at destURL.
func newTestRuntime(t *testing.T, destURL string) (*Runtime, *broker.Broker, *ScratchStore) {
	return newTestRuntimeWith(t, "http://source.example.org", destURL, nil)
}

func newTestRuntimeWith(t *testing.T, sourceURL, destURL string, items []models.DataItemConfig) (*Runtime, *broker.Broker, *ScratchStore) {
	t.Helper()

	logger := common.GetLogger()
	b := broker.New(t.TempDir(), time.Minute, 10*time.Millisecond, logger)
	require.NoError(t, b.Connect(1, time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })

	storage := &memStorage{configs: &memConfigs{configs: map[string]models.MigrationConfig{
		"cfg1": {
			ID:   "cfg1",
			Name: "Runtime test",
			Source: models.SourceInstance{
				BaseURL:  sourceURL,
				Username: "reader",
				Password: "secret",
			},
			Destination: models.TargetInstance{
				BaseURL:  destURL,
				Username: "writer",
				Password: "secret",
			},
			DataItems: items,
		},
	}}}

	cfg := common.NewDefaultConfig()
	cfg.Broker.PrefetchCount = 5
	cfg.Broker.ReconnectDelay = "50ms"
	cfg.Upstream.RatePerSecond = 1000
	cfg.Configs.Dir = t.TempDir()

	queues := queue.NewManager(b, storage.configs, logger)
	planner := queue.NewPlanner(queues, storage.configs, b.Channel(broker.ChannelPublish, 10), logger)
	scratch := NewScratchStore(t.TempDir(), logger)

	r := NewRuntime(b, storage, queues, planner, scratch, cfg, logger)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, b, scratch
}

func publishJob(t *testing.T, b *broker.Broker, job *models.Job) {
	t.Helper()
	body, err := job.Encode()
	require.NoError(t, err)
	queueName := models.QueueName(job.Kind, job.ConfigID)
	require.NoError(t, b.Publish(queueName, body, map[string]string{broker.HeaderRetryCount: "0"}))
}

func dlqMessages(t *testing.T, b *broker.Broker) []broker.StoredMessage {
	t.Helper()
	msgs, err := b.Peek(models.DLQName("cfg1"), 0, 0)
	require.NoError(t, err)
	return msgs
}

func TestRuntimeUploadsAndCleansScratch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/api/dataValueSets", r.URL.Path)
		json.NewEncoder(w).Encode(models.ImportSummary{
			Status:      "OK",
			ImportCount: &models.ImportCount{Imported: 1},
		})
	}))
	defer srv.Close()

	_, b, scratch := newTestRuntime(t, srv.URL)

	path, err := scratch.Write("cfg1", &models.DataValueSet{DataValues: []models.DataValue{
		{DataElement: "de1", Period: "202401", OrgUnit: "ou1", Value: "1"},
	}})
	require.NoError(t, err)

	publishJob(t, b, &models.Job{
		ConfigID: "cfg1",
		JobID:    "job-upload",
		Kind:     models.JobDataUpload,
		FilePath: path,
	})

	require.Eventually(t, func() bool {
		depth, err := b.Depth("data.upload.cfg1")
		return err == nil && depth == 0 && atomic.LoadInt32(&calls) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Scratch file is released on success and nothing dead-letters.
	_, err = scratch.Read(path)
	assert.ErrorIs(t, err, models.ErrPayloadInvalid)
	assert.Empty(t, dlqMessages(t, b))
}

func TestRuntimeDeadLettersInvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no upstream call expected for an empty payload")
	}))
	defer srv.Close()

	_, b, _ := newTestRuntime(t, srv.URL)

	publishJob(t, b, &models.Job{
		ConfigID: "cfg1",
		JobID:    "job-empty",
		Kind:     models.JobDataUpload,
	})

	require.Eventually(t, func() bool {
		return len(dlqMessages(t, b)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	msg := dlqMessages(t, b)[0]
	assert.Equal(t, "PayloadInvalid", msg.Headers[broker.HeaderErrorName])
	assert.Equal(t, "dataUpload", msg.Headers[broker.HeaderQueueType])
	assert.Equal(t, "data.upload.cfg1", msg.Headers[broker.HeaderOriginalQueue])
	assert.NotEmpty(t, msg.Headers[broker.HeaderErrorTimestamp])
}

func TestRuntimeRequeuesThenDeadLetters(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, b, _ := newTestRuntime(t, srv.URL)

	publishJob(t, b, &models.Job{
		ConfigID: "cfg1",
		JobID:    "job-500",
		Kind:     models.JobDataUpload,
		DataValues: []models.DataValue{
			{DataElement: "de1", Period: "202401", OrgUnit: "ou1", Value: "1"},
		},
	})

	require.Eventually(t, func() bool {
		return len(dlqMessages(t, b)) == 1
	}, 10*time.Second, 20*time.Millisecond)

	// Two requeues, then the third failure dead-letters.
	assert.Equal(t, int32(ImmediateRequeueLimit+1), atomic.LoadInt32(&calls))

	msg := dlqMessages(t, b)[0]
	assert.Equal(t, "2", msg.Headers[broker.HeaderRetryCount])
	assert.Equal(t, "500", msg.Headers[broker.HeaderHTTPStatus])

	var reason map[string]string
	require.NoError(t, json.Unmarshal([]byte(msg.Headers[broker.HeaderFailureReason]), &reason))
	assert.Equal(t, "500", reason["status"])
	assert.NotEmpty(t, reason["message"])

	depth, err := b.Depth("data.upload.cfg1")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRuntimeAbsorbsConflictWithSummary(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.ImportSummary{
			Response: &models.ImportSummary{
				Status:      "WARNING",
				ImportCount: &models.ImportCount{Imported: 3, Ignored: 1},
			},
		})
	}))
	defer srv.Close()

	_, b, _ := newTestRuntime(t, srv.URL)

	publishJob(t, b, &models.Job{
		ConfigID: "cfg1",
		JobID:    "job-conflict",
		Kind:     models.JobDataUpload,
		DataValues: []models.DataValue{
			{DataElement: "de1", Period: "202401", OrgUnit: "ou1", Value: "1"},
		},
	})

	// A 409 with a usable summary is a completed import, not a failure.
	require.Eventually(t, func() bool {
		depth, err := b.Depth("data.upload.cfg1")
		return err == nil && depth == 0 && atomic.LoadInt32(&calls) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, dlqMessages(t, b))
}

func TestRuntimeDeadLettersUnknownConfigJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, b, _ := newTestRuntime(t, srv.URL)

	// The queue belongs to cfg1 but the job names a config that is gone.
	job := &models.Job{ConfigID: "ghost", JobID: "job-ghost", Kind: models.JobDataUpload}
	body, err := job.Encode()
	require.NoError(t, err)
	require.NoError(t, b.Publish("data.upload.cfg1", body, nil))

	require.Eventually(t, func() bool {
		return len(dlqMessages(t, b)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ConfigNotFound", dlqMessages(t, b)[0].Headers[broker.HeaderErrorName])
}

func TestRuntimeDownloadUploadPipeline(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/analytics/dataValueSet.json", r.URL.Path)
		json.NewEncoder(w).Encode(models.DataValueSet{DataValues: []models.DataValue{
			{DataElement: "sde", CategoryOptionCombo: "coc1", Period: "202401", OrgUnit: "ou1", Value: "7"},
			// Non-numeric values never travel.
			{DataElement: "sde", CategoryOptionCombo: "coc1", Period: "202401", OrgUnit: "ou2", Value: "n/a"},
		}})
	}))
	defer source.Close()

	var uploaded atomic.Pointer[models.DataValueSet]
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dataValueSets", r.URL.Path)
		var set models.DataValueSet
		require.NoError(t, json.NewDecoder(r.Body).Decode(&set))
		uploaded.Store(&set)
		json.NewEncoder(w).Encode(models.ImportSummary{
			Status:      "OK",
			ImportCount: &models.ImportCount{Imported: len(set.DataValues)},
		})
	}))
	defer dest.Close()

	// Compound mappings need no element expansion against the instances.
	items := []models.DataItemConfig{{
		ID:           "item1",
		PeriodType:   queue.PeriodMonthly,
		OrgUnitLevel: 3,
		Mappings:     []models.Mapping{{SourceID: "sde.coc1", DestinationID: "dde.coc2"}},
	}}
	_, b, _ := newTestRuntimeWith(t, source.URL, dest.URL, items)

	publishJob(t, b, &models.Job{
		ConfigID:         "cfg1",
		JobID:            "job-pipeline",
		Kind:             models.JobDataDownload,
		DataItemConfigID: "item1",
		PeriodID:         "202401",
	})

	require.Eventually(t, func() bool {
		return uploaded.Load() != nil
	}, 10*time.Second, 20*time.Millisecond)

	set := uploaded.Load()
	require.Len(t, set.DataValues, 1)
	assert.Equal(t, "dde", set.DataValues[0].DataElement)
	assert.Equal(t, "coc2", set.DataValues[0].CategoryOptionCombo)
	assert.Equal(t, "7", set.DataValues[0].Value)

	// Both queues drain and nothing dead-letters.
	require.Eventually(t, func() bool {
		down, err1 := b.Depth("data.download.cfg1")
		up, err2 := b.Depth("data.upload.cfg1")
		return err1 == nil && err2 == nil && down == 0 && up == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, dlqMessages(t, b))
}

func TestErrorName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"payload", models.ErrPayloadInvalid, "PayloadInvalid"},
		{"wrapped payload", errors.Join(errors.New("ctx"), models.ErrPayloadInvalid), "PayloadInvalid"},
		{"config", models.ErrConfigNotFound, "ConfigNotFound"},
		{"broker", models.ErrBrokerUnavailable, "BrokerUnavailable"},
		{"conflict", &models.HTTPError{StatusCode: 409}, "UpstreamConflict"},
		{"transient http", &models.HTTPError{StatusCode: 503}, "UpstreamTransient"},
		{"fatal http", &models.HTTPError{StatusCode: 400}, "UpstreamFatal"},
		{"server error", &models.HTTPError{StatusCode: 500}, "UpstreamFatal"},
		{"connection fault", errors.New("dial tcp: connection refused"), "UpstreamTransient"},
		{"validation", models.NewValidationError("bad period %q", "x"), "ValidationError"},
		{"unknown", errors.New("boom"), "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorName(tt.err))
		})
	}
}
