package dhis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/migro/internal/models"
)

func testClient(serverURL string) *Client {
	c := NewClient(serverURL, "admin", "district", WithRateLimit(1000))
	// No pause between the inline retry attempts in tests.
	c.httpClient.Timeout = 5 * time.Second
	return c
}

func TestGetDataValueSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "district", pass)
		assert.Equal(t, "/api/analytics/dataValueSet.json", r.URL.Path)

		dims := r.URL.Query()["dimension"]
		assert.Contains(t, dims, "dx:de1;de2")
		assert.Contains(t, dims, "pe:202401")
		assert.Contains(t, dims, "ou:parentOU;LEVEL-3")

		json.NewEncoder(w).Encode(models.DataValueSet{
			DataValues: []models.DataValue{
				{DataElement: "de1", Period: "202401", OrgUnit: "ou1", Value: "12"},
			},
		})
	}))
	defer srv.Close()

	set, err := testClient(srv.URL).GetDataValueSet(context.Background(),
		[]string{"de1", "de2"}, []string{"202401"}, "parentOU;LEVEL-3")
	require.NoError(t, err)
	require.Len(t, set.DataValues, 1)
	assert.Equal(t, "12", set.DataValues[0].Value)
}

func TestDoRetriesTransientOnce(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.DataValueSet{})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetDataValueSet(context.Background(),
		[]string{"de1"}, []string{"202401"}, "ou1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoGivesUpAfterSecondTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetDataValueSet(context.Background(),
		[]string{"de1"}, []string{"202401"}, "ou1")
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
}

func TestDoDoesNotRetryFatal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetDataValueSet(context.Background(),
		[]string{"de1"}, []string{"202401"}, "ou1")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, models.IsUpstreamFatal(err))
}

func TestPostDataValueSetConflictReturnsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dataValueSets", r.URL.Path)
		assert.Equal(t, "DELETE", r.URL.Query().Get("importStrategy"))
		assert.Equal(t, "false", r.URL.Query().Get("async"))

		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.ImportSummary{
			Response: &models.ImportSummary{
				Status:      "WARNING",
				ImportCount: &models.ImportCount{Imported: 8, Ignored: 2},
			},
		})
	}))
	defer srv.Close()

	set := &models.DataValueSet{DataValues: []models.DataValue{{DataElement: "de1", Value: "1"}}}
	summary, err := testClient(srv.URL).PostDataValueSet(context.Background(), set, StrategyDelete)
	require.Error(t, err)
	assert.True(t, models.IsConflict(err))
	require.NotNil(t, summary)
	require.NotNil(t, summary.Counts())
	assert.Equal(t, 8, summary.Counts().Imported)
	assert.Equal(t, 2, summary.Counts().Ignored)
}

func TestPostMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/metadata", r.URL.Path)
		assert.Equal(t, StrategyCreateAndUpdate, r.URL.Query().Get("importStrategy"))
		assert.Equal(t, "NONE", r.URL.Query().Get("atomicMode"))

		var bundle models.MetadataBundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bundle))
		assert.Equal(t, 1, bundle.TotalItems())

		json.NewEncoder(w).Encode(models.ImportSummary{
			Status:      "OK",
			ImportCount: &models.ImportCount{Imported: 1},
		})
	}))
	defer srv.Close()

	bundle := &models.MetadataBundle{Dashboards: []json.RawMessage{json.RawMessage(`{"id":"dash1"}`)}}
	summary, err := testClient(srv.URL).PostMetadata(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts().Imported)
}

func TestListObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dashboards.json", r.URL.Path)
		assert.Equal(t, ":owner", r.URL.Query().Get("fields"))
		assert.Equal(t, "id:in:[d1,d2]", r.URL.Query().Get("filter"))
		assert.Equal(t, "false", r.URL.Query().Get("paging"))

		w.Write([]byte(`{"dashboards":[{"id":"d1"},{"id":"d2"}]}`))
	}))
	defer srv.Close()

	objs, err := testClient(srv.URL).ListObjects(context.Background(), TypeDashboards, []string{"d1", "d2"})
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

func TestListObjectsEmptyIDs(t *testing.T) {
	objs, err := testClient("http://unused.example.org").ListObjects(context.Background(), TypeDashboards, nil)
	require.NoError(t, err)
	assert.Nil(t, objs)
}

func TestWithRouteProxiesThroughGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/routes/route-7/run/dataElements/de1.json", r.URL.Path)
		json.NewEncoder(w).Encode(models.DataElement{ID: "de1"})
	}))
	defer srv.Close()

	config := &models.MigrationConfig{
		Source: models.SourceInstance{
			BaseURL: "http://unreachable.example.org",
			RouteID: "route-7",
		},
		Destination: models.TargetInstance{
			BaseURL:  srv.URL,
			Username: "gw",
			Password: "gw",
		},
	}
	client := NewSourceClient(config, WithRateLimit(1000))
	element, err := client.GetDataElement(context.Background(), "de1")
	require.NoError(t, err)
	assert.Equal(t, "de1", element.ID)
}

func TestOrgUnitDimension(t *testing.T) {
	assert.Equal(t, "parent;LEVEL-3", OrgUnitDimension("parent", 3))
	assert.Equal(t, "LEVEL-2", OrgUnitDimension("", 2))
	assert.Equal(t, "parent", OrgUnitDimension("parent", 0))
}
