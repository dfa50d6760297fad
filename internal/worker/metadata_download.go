package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/dhis"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// metadataDownloadHandler fetches the selected dashboard, visualization and
// map objects with their dependency closure and publishes the resulting
// bundle as a metadata upload job.
type metadataDownloadHandler struct {
	clients        *clientFactory
	configs        interfaces.ConfigStorage
	planner        *queue.Planner
	flexiportalDir string
	logger         arbor.ILogger
}

func (h *metadataDownloadHandler) Handle(ctx context.Context, job *models.Job) error {
	config, err := h.configs.Get(ctx, job.ConfigID)
	if err != nil {
		return err
	}

	var bundle *models.MetadataBundle
	if job.MetadataSource == models.MetadataFromFlexiportal {
		bundle, err = h.loadFlexiportalBundle(job.ConfigID)
	} else {
		bundle, err = h.fetchFromSource(ctx, config, job)
	}
	if err != nil {
		return err
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata bundle: %w", err)
	}

	upload := &models.Job{
		ConfigID: job.ConfigID,
		JobID:    common.NewJobID(),
		Kind:     models.JobMetadataUpload,
		QueuedAt: time.Now(),
		Metadata: raw,
	}
	if err := h.planner.PublishJob(upload); err != nil {
		return fmt.Errorf("failed to publish metadata upload job: %w", err)
	}

	h.logger.Info().
		Str("config", job.ConfigID).
		Str("job", job.JobID).
		Int("total_items", bundle.TotalItems()).
		Msg("Metadata downloaded and upload job published")
	return nil
}

// loadFlexiportalBundle reads a pre-assembled bundle from the local
// flexiportal config store at {flexiportalDir}/{configId}.json.
func (h *metadataDownloadHandler) loadFlexiportalBundle(configID string) (*models.MetadataBundle, error) {
	path := filepath.Join(h.flexiportalDir, configID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: flexiportal bundle %s: %v", models.ErrPayloadInvalid, path, err)
	}
	var bundle models.MetadataBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: flexiportal bundle %s: %v", models.ErrPayloadInvalid, path, err)
	}
	return &bundle, nil
}

// objectRef is the minimal {id} shape used for dependency extraction.
type objectRef struct {
	ID string `json:"id"`
}

// dashboardRefs lists the visualizations and maps a dashboard embeds.
type dashboardRefs struct {
	DashboardItems []struct {
		Visualization *objectRef `json:"visualization"`
		Map           *objectRef `json:"map"`
	} `json:"dashboardItems"`
}

// dimensionRefs lists the data elements, indicators and legend sets a
// visualization or map layer references.
type dimensionRefs struct {
	DataDimensionItems []struct {
		DataElement *objectRef `json:"dataElement"`
		Indicator   *objectRef `json:"indicator"`
	} `json:"dataDimensionItems"`
	LegendSet  *objectRef  `json:"legendSet"`
	LegendSets []objectRef `json:"legendSets"`
	MapViews   []json.RawMessage `json:"mapViews"`
}

// fetchFromSource pulls the selected objects from the source instance and
// resolves their transitive dependency closure: dashboards pull in their
// embedded visualizations and maps; those pull in referenced data elements,
// indicators and legend sets.
func (h *metadataDownloadHandler) fetchFromSource(ctx context.Context, config *models.MigrationConfig, job *models.Job) (*models.MetadataBundle, error) {
	client := h.clients.source(config, h.clients.sourceTimeout(job.Overrides))

	bundle := &models.MetadataBundle{}

	dashboards, err := client.ListObjects(ctx, dhis.TypeDashboards, job.SelectedDashboards)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dashboards: %w", err)
	}
	bundle.Dashboards = dashboards

	visIDs := newIDSet(job.SelectedVisualizations)
	mapIDs := newIDSet(job.SelectedMaps)
	for _, raw := range dashboards {
		var refs dashboardRefs
		if err := json.Unmarshal(raw, &refs); err != nil {
			continue
		}
		for _, item := range refs.DashboardItems {
			if item.Visualization != nil {
				visIDs.add(item.Visualization.ID)
			}
			if item.Map != nil {
				mapIDs.add(item.Map.ID)
			}
		}
	}

	visualizations, err := client.ListObjects(ctx, dhis.TypeVisualizations, visIDs.list())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch visualizations: %w", err)
	}
	bundle.Visualizations = visualizations

	maps, err := client.ListObjects(ctx, dhis.TypeMaps, mapIDs.list())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch maps: %w", err)
	}
	bundle.Maps = maps

	deIDs := newIDSet(nil)
	indicatorIDs := newIDSet(nil)
	legendSetIDs := newIDSet(nil)
	collect := func(raw json.RawMessage) {
		var refs dimensionRefs
		if err := json.Unmarshal(raw, &refs); err != nil {
			return
		}
		for _, item := range refs.DataDimensionItems {
			if item.DataElement != nil {
				deIDs.add(item.DataElement.ID)
			}
			if item.Indicator != nil {
				indicatorIDs.add(item.Indicator.ID)
			}
		}
		if refs.LegendSet != nil {
			legendSetIDs.add(refs.LegendSet.ID)
		}
		for _, ls := range refs.LegendSets {
			legendSetIDs.add(ls.ID)
		}
		// Map layers carry their own dimension items.
		for _, view := range refs.MapViews {
			var viewRefs dimensionRefs
			if err := json.Unmarshal(view, &viewRefs); err != nil {
				continue
			}
			for _, item := range viewRefs.DataDimensionItems {
				if item.DataElement != nil {
					deIDs.add(item.DataElement.ID)
				}
				if item.Indicator != nil {
					indicatorIDs.add(item.Indicator.ID)
				}
			}
			if viewRefs.LegendSet != nil {
				legendSetIDs.add(viewRefs.LegendSet.ID)
			}
		}
	}
	for _, raw := range visualizations {
		collect(raw)
	}
	for _, raw := range maps {
		collect(raw)
	}

	if bundle.DataElements, err = client.ListObjects(ctx, dhis.TypeDataElements, deIDs.list()); err != nil {
		return nil, fmt.Errorf("failed to fetch data elements: %w", err)
	}
	if bundle.Indicators, err = client.ListObjects(ctx, dhis.TypeIndicators, indicatorIDs.list()); err != nil {
		return nil, fmt.Errorf("failed to fetch indicators: %w", err)
	}
	if bundle.LegendSets, err = client.ListObjects(ctx, dhis.TypeLegendSets, legendSetIDs.list()); err != nil {
		return nil, fmt.Errorf("failed to fetch legend sets: %w", err)
	}

	return bundle, nil
}

// idSet accumulates unique non-empty IDs in insertion order.
type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet(initial []string) *idSet {
	s := &idSet{seen: make(map[string]struct{})}
	for _, id := range initial {
		s.add(id)
	}
	return s
}

func (s *idSet) add(id string) {
	if id == "" {
		return
	}
	if _, ok := s.seen[id]; !ok {
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *idSet) list() []string {
	return s.order
}
