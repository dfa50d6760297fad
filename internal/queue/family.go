// Package queue manages per-configuration queue families and plans the jobs
// published onto them.
package queue

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/models"
)

// Manager declares, destroys and inspects the queue family of a
// configuration: five work queues plus one dead-letter queue.
type Manager struct {
	broker  *broker.Broker
	configs interfaces.ConfigStorage
	logger  arbor.ILogger
}

// NewManager creates a queue manager.
func NewManager(b *broker.Broker, configs interfaces.ConfigStorage, logger arbor.ILogger) *Manager {
	return &Manager{
		broker:  b,
		configs: configs,
		logger:  logger,
	}
}

// CreateFamily declares the five work queues and the DLQ for a config.
// Idempotent; fails with ErrConfigNotFound when the config is unknown.
func (m *Manager) CreateFamily(ctx context.Context, configID string) ([]string, error) {
	if _, err := m.configs.Get(ctx, configID); err != nil {
		return nil, err
	}

	dlq := models.DLQName(configID)
	if err := m.broker.DeclareQueue(dlq, broker.QueueOptions{}); err != nil {
		return nil, fmt.Errorf("failed to declare DLQ for %s: %w", configID, err)
	}

	names := make([]string, 0, len(models.AllJobKinds))
	for _, kind := range models.AllJobKinds {
		name := models.QueueName(kind, configID)
		opts := broker.QueueOptions{DeadLetterRoutingKey: dlq}
		if err := m.broker.DeclareQueue(name, opts); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		names = append(names, name)
	}

	m.logger.Info().
		Str("config", configID).
		Int("queues", len(names)).
		Msg("Queue family declared")
	return names, nil
}

// DeleteFamily removes a config's queue family including the DLQ, returning
// the deleted queue count and the total purged messages. Deleting a family
// that was never created is a no-op.
func (m *Manager) DeleteFamily(ctx context.Context, configID string) (deleted, purged int, err error) {
	names := make([]string, 0, len(models.AllJobKinds)+1)
	for _, kind := range models.AllJobKinds {
		names = append(names, models.QueueName(kind, configID))
	}
	names = append(names, models.DLQName(configID))

	for _, name := range names {
		if !m.broker.HasQueue(name) {
			continue
		}
		n, derr := m.broker.DeleteQueue(name)
		if derr != nil {
			return deleted, purged, fmt.Errorf("failed to delete queue %s: %w", name, derr)
		}
		deleted++
		purged += n
	}

	m.logger.Info().
		Str("config", configID).
		Int("deleted", deleted).
		Int("purged", purged).
		Msg("Queue family deleted")
	return deleted, purged, nil
}

// StatsFor snapshots a config's queue family. Fails with ErrConfigNotFound
// when the config is unknown.
func (m *Manager) StatsFor(ctx context.Context, configID string) (*models.FamilyStats, error) {
	if _, err := m.configs.Get(ctx, configID); err != nil {
		return nil, err
	}

	stats := &models.FamilyStats{
		ConfigID: configID,
		PerQueue: make(map[string]models.QueueStats),
	}

	dlq := models.DLQName(configID)
	if m.broker.HasQueue(dlq) {
		depth, err := m.broker.Depth(dlq)
		if err != nil {
			return nil, err
		}
		stats.DLQDepth = depth
	}

	health := models.FamilyHealth{Healthy: true}
	for _, kind := range models.AllJobKinds {
		name := models.QueueName(kind, configID)
		if !m.broker.HasQueue(name) {
			continue
		}
		qs, err := m.broker.Stats(name)
		if err != nil {
			return nil, err
		}
		stats.PerQueue[string(kind)] = qs
		health.TotalQueues++
		if qs.Consumers > 0 {
			health.ActiveQueues++
		} else if qs.Ready > 0 {
			health.Healthy = false
			health.Issues = append(health.Issues,
				fmt.Sprintf("queue %s has %d ready messages and no consumer", name, qs.Ready))
		}
	}

	if stats.DLQDepth > 0 {
		health.Healthy = false
		health.FailedQueues = 1
		health.Issues = append(health.Issues,
			fmt.Sprintf("DLQ %s holds %d messages", dlq, stats.DLQDepth))
	}
	stats.Health = health
	return stats, nil
}
