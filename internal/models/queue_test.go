package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueStatus(t *testing.T) {
	tests := []struct {
		name          string
		stats         QueueStats
		dlqDepth      int
		everProcessed bool
		expected      ConfigStatus
	}{
		{"unacked wins", QueueStats{Unacked: 1, Ready: 5}, 3, true, StatusRunning},
		{"ready means queued", QueueStats{Ready: 2}, 0, false, StatusQueued},
		{"dlq means failed", QueueStats{}, 1, true, StatusFailed},
		{"drained with consumer", QueueStats{}, 0, true, StatusCompleted},
		{"never touched", QueueStats{}, 0, false, StatusIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, QueueStatus(tt.stats, tt.dlqDepth, tt.everProcessed))
		})
	}
}

func TestReduceStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ConfigStatus
		expected ConfigStatus
	}{
		{"empty is idle", nil, StatusIdle},
		{"running beats everything", []ConfigStatus{StatusFailed, StatusRunning, StatusQueued}, StatusRunning},
		{"queued beats failed", []ConfigStatus{StatusFailed, StatusQueued}, StatusQueued},
		{"failed beats completed", []ConfigStatus{StatusCompleted, StatusFailed, StatusIdle}, StatusFailed},
		{"completed beats idle", []ConfigStatus{StatusIdle, StatusCompleted}, StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ReduceStatus(tt.statuses))
		})
	}
}
