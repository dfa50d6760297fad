package models

import "time"

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Name      string `json:"name"`
	Ready     int    `json:"ready"`
	Unacked   int    `json:"unacked"`
	Consumers int    `json:"consumers"`
}

// ConfigStatus is the aggregate state of a queue family, reduced over the
// priority RUNNING > QUEUED > FAILED > COMPLETED > IDLE.
type ConfigStatus string

const (
	StatusRunning   ConfigStatus = "RUNNING"
	StatusQueued    ConfigStatus = "QUEUED"
	StatusFailed    ConfigStatus = "FAILED"
	StatusCompleted ConfigStatus = "COMPLETED"
	StatusIdle      ConfigStatus = "IDLE"
)

// statusPriority orders aggregate reduction; higher wins.
var statusPriority = map[ConfigStatus]int{
	StatusRunning:   4,
	StatusQueued:    3,
	StatusFailed:    2,
	StatusCompleted: 1,
	StatusIdle:      0,
}

// ReduceStatus folds per-queue statuses into the aggregate.
func ReduceStatus(statuses []ConfigStatus) ConfigStatus {
	agg := StatusIdle
	for _, s := range statuses {
		if statusPriority[s] > statusPriority[agg] {
			agg = s
		}
	}
	return agg
}

// QueueStatus derives a single queue's state from its counters.
func QueueStatus(stats QueueStats, dlqDepth int, everProcessed bool) ConfigStatus {
	switch {
	case stats.Unacked > 0:
		return StatusRunning
	case stats.Ready > 0:
		return StatusQueued
	case dlqDepth > 0:
		return StatusFailed
	case everProcessed:
		return StatusCompleted
	default:
		return StatusIdle
	}
}

// FamilyStats aggregates a config's queue family for the status API.
type FamilyStats struct {
	ConfigID string                `json:"configId"`
	PerQueue map[string]QueueStats `json:"perQueue"`
	DLQDepth int                   `json:"dlq"`
	Health   FamilyHealth          `json:"health"`
}

// FamilyHealth summarizes family-wide liveness for operators.
type FamilyHealth struct {
	Healthy      bool     `json:"healthy"`
	TotalQueues  int      `json:"totalQueues"`
	ActiveQueues int      `json:"activeQueues"`
	FailedQueues int      `json:"failedQueues"`
	Issues       []string `json:"issues"`
}

// FailedMessage is the operator view of one dead-lettered message.
type FailedMessage struct {
	MessageID      string            `json:"messageId"`
	OriginalQueue  string            `json:"originalQueue"`
	Kind           JobKind           `json:"kind"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body,omitempty"`
	DeadLetteredAt time.Time         `json:"deadLetteredAt"`
}
