package worker

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/dhis"
	"github.com/ternarybob/migro/internal/models"
)

// clientFactory builds per-config DHIS2 clients with the configured
// timeouts and rate limits. Clients are cheap; handlers build them per job.
type clientFactory struct {
	cfg    *common.Config
	logger arbor.ILogger
}

func newClientFactory(cfg *common.Config, logger arbor.ILogger) *clientFactory {
	return &clientFactory{cfg: cfg, logger: logger}
}

// timeoutFor resolves the effective timeout: job override first, then the
// configured default for the call class.
func (f *clientFactory) timeoutFor(overrides *models.RuntimeConfig, configured string, def time.Duration) time.Duration {
	if overrides != nil && overrides.TimeoutMS > 0 {
		return time.Duration(overrides.TimeoutMS) * time.Millisecond
	}
	return common.ParseDurationOr(configured, def)
}

func (f *clientFactory) sourceTimeout(overrides *models.RuntimeConfig) time.Duration {
	return f.timeoutFor(overrides, f.cfg.Upstream.SourceTimeout, 30*time.Second)
}

func (f *clientFactory) destTimeout(overrides *models.RuntimeConfig) time.Duration {
	return f.timeoutFor(overrides, f.cfg.Upstream.DestTimeout, 30*time.Second)
}

func (f *clientFactory) dataTimeout(overrides *models.RuntimeConfig) time.Duration {
	return f.timeoutFor(overrides, f.cfg.Upstream.DataTimeout, 120*time.Second)
}

// source builds the client reading from a config's source instance.
func (f *clientFactory) source(config *models.MigrationConfig, timeout time.Duration) *dhis.Client {
	return dhis.NewSourceClient(config,
		dhis.WithTimeout(timeout),
		dhis.WithRateLimit(f.cfg.Upstream.RatePerSecond),
		dhis.WithLogger(f.logger),
	)
}

// destination builds the client writing to a config's destination instance.
func (f *clientFactory) destination(config *models.MigrationConfig, timeout time.Duration) *dhis.Client {
	return dhis.NewDestinationClient(config,
		dhis.WithTimeout(timeout),
		dhis.WithRateLimit(f.cfg.Upstream.RatePerSecond),
		dhis.WithLogger(f.logger),
	)
}
