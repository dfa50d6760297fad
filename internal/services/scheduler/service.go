// Package scheduler runs the periodic maintenance sweeps on a cron
// schedule.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// Service wraps the cron runner with logging.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger
}

// New creates a stopped scheduler.
func New(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
	}
}

// Schedule registers fn to run on the cron spec.
func (s *Service) Schedule(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug().Str("task", name).Msg("Maintenance task running")
		fn()
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("task", name).Str("schedule", spec).Msg("Maintenance task scheduled")
	return nil
}

// Start launches the cron runner.
func (s *Service) Start() {
	s.cron.Start()
}

// Stop halts the cron runner, waiting for running tasks.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}
