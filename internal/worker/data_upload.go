package worker

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/dhis"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// dataUploadHandler imports or deletes a value set at the destination. One
// handler serves both the upload and the deletion queue: the payload comes
// either inline or from a scratch file, and the strategy follows IsDelete.
// Cleanup of the scratch file is a shared finalize step, run on success and
// on definitive rejection so files are never orphaned.
type dataUploadHandler struct {
	clients *clientFactory
	configs interfaces.ConfigStorage
	scratch *ScratchStore
	logger  arbor.ILogger
}

func (h *dataUploadHandler) Handle(ctx context.Context, job *models.Job) error {
	config, err := h.configs.Get(ctx, job.ConfigID)
	if err != nil {
		return err
	}

	set, err := h.resolvePayload(job)
	if err != nil {
		return err
	}
	if len(set.DataValues) == 0 {
		return fmt.Errorf("%w: job %s carries an empty dataValues array", models.ErrPayloadInvalid, job.JobID)
	}

	strategy := dhis.StrategyCreateAndUpdate
	if job.IsDelete {
		strategy = dhis.StrategyDelete
	}

	client := h.clients.destination(config, h.clients.destTimeout(job.Overrides))
	summary, err := client.PostDataValueSet(ctx, set, strategy)
	if err != nil {
		if models.IsConflict(err) && summary != nil {
			// Partial success: the destination rejected part of the set but
			// the import is final. Clean up and complete with a warning.
			h.finalize(job)
			h.logImport(job, strategy, summary, true)
			return nil
		}
		return err
	}

	h.finalize(job)
	h.logImport(job, strategy, summary, false)
	return nil
}

// resolvePayload unifies the inline and scratch-file variants: the file
// variant reads and is then treated as inline.
func (h *dataUploadHandler) resolvePayload(job *models.Job) (*models.DataValueSet, error) {
	if job.FilePath != "" {
		return h.scratch.Read(job.FilePath)
	}
	return &models.DataValueSet{DataValues: job.DataValues}, nil
}

// finalize releases the job's scratch file, if any.
func (h *dataUploadHandler) finalize(job *models.Job) {
	h.scratch.Remove(job.FilePath)
}

func (h *dataUploadHandler) logImport(job *models.Job, strategy string, summary *models.ImportSummary, partial bool) {
	counts := summary.Counts()
	if counts == nil {
		counts = &models.ImportCount{}
	}
	event := h.logger.Info()
	if partial {
		event = h.logger.Warn()
	}
	event.
		Str("config", job.ConfigID).
		Str("job", job.JobID).
		Str("strategy", strategy).
		Int("imported", counts.Imported).
		Int("updated", counts.Updated).
		Int("ignored", counts.Ignored).
		Int("deleted", counts.Deleted).
		Bool("partial", partial).
		Msg("Data value import finished")
}
