package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/dhis"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/mapping"
	"github.com/ternarybob/migro/internal/models"
	"github.com/ternarybob/migro/internal/queue"
)

// dataDownloadHandler fetches one (dataItemConfig, period) slice from the
// source, translates it onto destination identifiers and hands the result
// to the upload queue via a scratch file.
type dataDownloadHandler struct {
	clients *clientFactory
	configs interfaces.ConfigStorage
	scratch *ScratchStore
	planner *queue.Planner
	logger  arbor.ILogger
}

func (h *dataDownloadHandler) Handle(ctx context.Context, job *models.Job) error {
	config, err := h.configs.Get(ctx, job.ConfigID)
	if err != nil {
		return err
	}
	item := config.DataItemByID(job.DataItemConfigID)
	if item == nil {
		return fmt.Errorf("%w: unknown data item config %q", models.ErrPayloadInvalid, job.DataItemConfigID)
	}

	orgUnit := resolveOrgUnit(item, job.Overrides)
	if orgUnit == "" {
		return fmt.Errorf("%w: data item %s has no org unit scope", models.ErrPayloadInvalid, item.ID)
	}

	source := h.clients.source(config, h.clients.dataTimeout(job.Overrides))
	destination := h.clients.destination(config, h.clients.destTimeout(job.Overrides))

	engine := mapping.NewEngine(source, destination, h.logger)
	expanded, err := engine.Expand(ctx, item.Mappings)
	if err != nil {
		return fmt.Errorf("failed to expand mappings: %w", err)
	}
	if len(expanded) == 0 {
		h.logger.Warn().
			Str("config", job.ConfigID).
			Str("data_item", item.ID).
			Msg("No mappings after expansion, nothing to download")
		return nil
	}

	set, err := source.GetDataValueSet(ctx, sourceElements(expanded), []string{job.PeriodID}, orgUnit)
	if err != nil {
		return fmt.Errorf("failed to fetch source values: %w", err)
	}

	values := filterNumeric(set.DataValues)
	values = mapping.Rewrite(values, expanded)
	values, err = mapping.FanOut(ctx, source, values, item.AttributeCombo)
	if err != nil {
		return err
	}

	if len(values) == 0 {
		h.logger.Info().
			Str("config", job.ConfigID).
			Str("data_item", item.ID).
			Str("period", job.PeriodID).
			Msg("No values for slice, skipping upload")
		return nil
	}

	path, err := h.scratch.Write(job.ConfigID, &models.DataValueSet{DataValues: values})
	if err != nil {
		return err
	}

	kind := models.JobDataUpload
	if job.IsDelete {
		kind = models.JobDataDeletion
	}
	followUp := &models.Job{
		ConfigID: job.ConfigID,
		JobID:    common.NewJobID(),
		Kind:     kind,
		QueuedAt: time.Now(),
		FilePath: path,
		IsDelete: job.IsDelete,
	}
	if err := h.planner.PublishJob(followUp); err != nil {
		// The follow-up never made it onto a queue; reclaim the file so the
		// retry of this download does not orphan it.
		h.scratch.Remove(path)
		return fmt.Errorf("failed to publish follow-up job: %w", err)
	}

	h.logger.Info().
		Str("config", job.ConfigID).
		Str("data_item", item.ID).
		Str("period", job.PeriodID).
		Int("values", len(values)).
		Str("follow_up", string(kind)).
		Msg("Data slice downloaded")
	return nil
}

// resolveOrgUnit renders the analytics ou dimension, with request overrides
// winning over the data item config.
func resolveOrgUnit(item *models.DataItemConfig, overrides *models.RuntimeConfig) string {
	parent := item.ParentOrgUnit
	level := item.OrgUnitLevel
	if overrides != nil {
		if overrides.ParentOrgUnitID != "" {
			parent = overrides.ParentOrgUnitID
		}
		if overrides.OrgUnitLevelID > 0 {
			level = overrides.OrgUnitLevelID
		}
	}
	return dhis.OrgUnitDimension(parent, level)
}

// sourceElements lists the distinct source data element IDs of an expanded
// mapping set, in mapping order.
func sourceElements(expanded []models.Mapping) []string {
	set := newIDSet(nil)
	for _, m := range expanded {
		de, _ := mapping.SplitCompound(m.SourceID)
		set.add(de)
	}
	return set.list()
}

// filterNumeric drops values whose value field does not parse as a number.
func filterNumeric(values []models.DataValue) []models.DataValue {
	out := values[:0:0]
	for _, v := range values {
		if _, err := strconv.ParseFloat(v.Value, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
