package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// Planner turns operator requests into jobs on a config's queue family.
// It declares the family before publishing so every job lands on an
// existing queue.
type Planner struct {
	queues  *Manager
	configs interfaces.ConfigStorage
	publish *broker.Channel
	logger  arbor.ILogger
}

// NewPlanner creates a job planner publishing on the given channel.
func NewPlanner(queues *Manager, configs interfaces.ConfigStorage, publish *broker.Channel, logger arbor.ILogger) *Planner {
	return &Planner{
		queues:  queues,
		configs: configs,
		publish: publish,
		logger:  logger,
	}
}

// MetadataSelection names the objects a metadata download should carry.
type MetadataSelection struct {
	Dashboards     []string
	Visualizations []string
	Maps           []string
	Source         models.MetadataSource
}

// TotalItems counts the selected objects.
func (s MetadataSelection) TotalItems() int {
	return len(s.Dashboards) + len(s.Visualizations) + len(s.Maps)
}

// PlanMetadataDownload publishes the single metadata download job for a
// config. Empty selections still produce a job; it completes immediately.
func (p *Planner) PlanMetadataDownload(ctx context.Context, configID string, selection MetadataSelection) (*models.Job, error) {
	if _, err := p.queues.CreateFamily(ctx, configID); err != nil {
		return nil, err
	}

	source := selection.Source
	if source == "" {
		source = models.MetadataFromSource
	}

	job := &models.Job{
		ConfigID:               configID,
		JobID:                  common.NewJobID(),
		Kind:                   models.JobMetadataDownload,
		QueuedAt:               time.Now(),
		SelectedDashboards:     selection.Dashboards,
		SelectedVisualizations: selection.Visualizations,
		SelectedMaps:           selection.Maps,
		MetadataSource:         source,
	}
	if err := p.publishJob(job); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("config", configID).
		Str("job", job.JobID).
		Int("total_items", selection.TotalItems()).
		Str("metadata_source", string(source)).
		Msg("Metadata download planned")
	return job, nil
}

// PlanData fans a data download (or deletion) request out into one job per
// (dataItemConfig, period). Period identifiers are expanded against each
// item's period type; an unknown data item config fails the whole plan.
// Job ordering is stable for a given request: items in request order,
// periods in calendar order.
func (p *Planner) PlanData(ctx context.Context, configID string, dataItemConfigIDs []string, runtime *models.RuntimeConfig, isDelete bool) ([]*models.Job, error) {
	config, err := p.configs.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if runtime == nil || len(runtime.Periods) == 0 {
		return nil, models.NewValidationError("runtimeConfig.periods is required")
	}
	if len(dataItemConfigIDs) == 0 {
		return nil, models.NewValidationError("dataItemsConfigIds is required")
	}

	if _, err := p.queues.CreateFamily(ctx, configID); err != nil {
		return nil, err
	}

	var jobs []*models.Job
	for _, itemID := range dataItemConfigIDs {
		item := config.DataItemByID(itemID)
		if item == nil {
			return nil, models.NewValidationError("unknown data item config %q", itemID)
		}

		periods, err := ExpandPeriods(item.PeriodType, runtime.Periods)
		if err != nil {
			return nil, err
		}
		if len(periods) == 0 {
			p.logger.Warn().
				Str("config", configID).
				Str("data_item", itemID).
				Str("period_type", item.PeriodType).
				Msg("Period selection expands to nothing for this item")
			continue
		}

		for _, period := range periods {
			jobs = append(jobs, &models.Job{
				ConfigID:         configID,
				JobID:            common.NewJobID(),
				Kind:             models.JobDataDownload,
				QueuedAt:         time.Now(),
				DataItemConfigID: itemID,
				PeriodID:         period,
				Overrides:        runtime,
				IsDelete:         isDelete,
			})
		}
	}

	for _, job := range jobs {
		if err := p.publishJob(job); err != nil {
			return nil, err
		}
	}

	p.logger.Info().
		Str("config", configID).
		Int("jobs", len(jobs)).
		Bool("is_delete", isDelete).
		Msg("Data plan published")
	return jobs, nil
}

// PublishJob encodes and publishes one job onto its kind's queue with a
// fresh retry counter.
func (p *Planner) PublishJob(job *models.Job) error {
	return p.publishJob(job)
}

func (p *Planner) publishJob(job *models.Job) error {
	body, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	headers := map[string]string{
		broker.HeaderRetryCount: strconv.Itoa(job.RetryCount),
	}
	return p.publish.Publish(models.QueueName(job.Kind, job.ConfigID), body, headers)
}
