package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind identifies the five process kinds routed through queue families.
type JobKind string

const (
	JobMetadataDownload JobKind = "metadataDownload"
	JobMetadataUpload   JobKind = "metadataUpload"
	JobDataDownload     JobKind = "dataDownload"
	JobDataUpload       JobKind = "dataUpload"
	JobDataDeletion     JobKind = "dataDeletion"
)

// AllJobKinds lists the kinds in family declaration order.
var AllJobKinds = []JobKind{
	JobMetadataDownload,
	JobMetadataUpload,
	JobDataDownload,
	JobDataUpload,
	JobDataDeletion,
}

// queueSuffixes maps kinds to the wire queue name patterns operators depend on.
var queueSuffixes = map[JobKind]string{
	JobMetadataDownload: "metadata.download",
	JobMetadataUpload:   "metadata.upload",
	JobDataDownload:     "data.download",
	JobDataUpload:       "data.upload",
	JobDataDeletion:     "data.delete",
}

// QueueName returns the work queue for a kind and config, e.g.
// "data.download.cfg1".
func QueueName(kind JobKind, configID string) string {
	return fmt.Sprintf("%s.%s", queueSuffixes[kind], configID)
}

// DLQName returns the dead-letter queue for a config, e.g. "failed.cfg1".
func DLQName(configID string) string {
	return "failed." + configID
}

// KindForQueue resolves a queue name back to its job kind. Returns false for
// DLQ and unknown names.
func KindForQueue(queueName string) (JobKind, bool) {
	for kind, suffix := range queueSuffixes {
		if len(queueName) > len(suffix) && queueName[:len(suffix)+1] == suffix+"." {
			return kind, true
		}
	}
	return "", false
}

// MetadataSource discriminates where metadata downloads are fetched from.
type MetadataSource string

const (
	MetadataFromSource      MetadataSource = "source"
	MetadataFromFlexiportal MetadataSource = "flexiportal-config"
)

// Job is one unit of work on a queue. Common fields are always set;
// kind-specific fields are populated per the Kind.
type Job struct {
	ConfigID   string    `json:"configId"`
	JobID      string    `json:"jobId"`
	Kind       JobKind   `json:"kind"`
	RetryCount int       `json:"retryCount"`
	QueuedAt   time.Time `json:"queuedAt"`

	// Metadata download
	SelectedDashboards     []string       `json:"selectedDashboards,omitempty"`
	SelectedVisualizations []string       `json:"selectedVisualizations,omitempty"`
	SelectedMaps           []string       `json:"selectedMaps,omitempty"`
	MetadataSource         MetadataSource `json:"metadataSource,omitempty"`

	// Metadata upload: inline bundle or scratch file path.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Data download
	DataItemConfigID string         `json:"dataItemConfigId,omitempty"`
	PeriodID         string         `json:"periodId,omitempty"`
	Overrides        *RuntimeConfig `json:"overrides,omitempty"`

	// Data upload / deletion: scratch file path or inline payload.
	FilePath   string      `json:"filePath,omitempty"`
	DataValues []DataValue `json:"dataValues,omitempty"`
	IsDelete   bool        `json:"isDelete,omitempty"`
}

// Encode serializes the job for the broker wire (UTF-8 JSON).
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a broker message body back into a Job.
func DecodeJob(body []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if j.ConfigID == "" || j.JobID == "" {
		return nil, fmt.Errorf("%w: missing configId or jobId", ErrPayloadInvalid)
	}
	return &j, nil
}
