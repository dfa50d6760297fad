package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// metadataUploadHandler imports a metadata bundle into the destination.
// A 409 conflict with an import summary is a partial success: counts are
// logged and the job completes.
type metadataUploadHandler struct {
	clients *clientFactory
	configs interfaces.ConfigStorage
	logger  arbor.ILogger
}

func (h *metadataUploadHandler) Handle(ctx context.Context, job *models.Job) error {
	config, err := h.configs.Get(ctx, job.ConfigID)
	if err != nil {
		return err
	}

	if len(job.Metadata) == 0 {
		return fmt.Errorf("%w: metadata upload job %s has no payload", models.ErrPayloadInvalid, job.JobID)
	}
	var bundle models.MetadataBundle
	if err := json.Unmarshal(job.Metadata, &bundle); err != nil {
		return fmt.Errorf("%w: metadata payload: %v", models.ErrPayloadInvalid, err)
	}

	client := h.clients.destination(config, h.clients.destTimeout(job.Overrides))
	summary, err := client.PostMetadata(ctx, &bundle)
	if err != nil {
		if models.IsConflict(err) && summary != nil {
			h.logImport(job, summary, true)
			return nil
		}
		return err
	}

	h.logImport(job, summary, false)
	return nil
}

func (h *metadataUploadHandler) logImport(job *models.Job, summary *models.ImportSummary, partial bool) {
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
		Int("imported", counts.Imported).
		Int("updated", counts.Updated).
		Int("ignored", counts.Ignored).
		Bool("partial", partial).
		Msg("Metadata import finished")
}
