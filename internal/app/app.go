// Package app wires the application components together in dependency
// order: storage, broker, queue management, workers and handlers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/migro/internal/broker"
	"github.com/ternarybob/migro/internal/common"
	"github.com/ternarybob/migro/internal/handlers"
	"github.com/ternarybob/migro/internal/interfaces"
	"github.com/ternarybob/migro/internal/queue"
	"github.com/ternarybob/migro/internal/services/scheduler"
	"github.com/ternarybob/migro/internal/storage"
	"github.com/ternarybob/migro/internal/validation"
	"github.com/ternarybob/migro/internal/worker"
)

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Broker         *broker.Broker
	Queues         *queue.Manager
	Planner        *queue.Planner
	Scratch        *worker.ScratchStore
	Runtime        *worker.Runtime
	Sessions       *validation.SessionStore
	Validation     *validation.Engine
	Scheduler      *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	MigrationHandler *handlers.MigrationHandler
	QueueHandler     *handlers.QueueHandler
	StatusHandler    *handlers.StatusHandler
	FailedHandler    *handlers.FailedHandler
	ConfigHandler    *handlers.ConfigHandler
	WSHandler        *handlers.WebSocketHandler

	publish *broker.Channel
	ctx     context.Context
	cancel  context.CancelFunc
}

// New initializes the application with all dependencies.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initBroker(); err != nil {
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	app.initServices()
	app.initHandlers()
	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info().Msg("Application initialization complete")
	return app, nil
}

// initStorage opens BadgerDB and loads migration configs from disk.
func (a *App) initStorage() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Config file errors are logged, not fatal: the service still serves
	// whatever configs loaded cleanly.
	if err := a.StorageManager.LoadConfigsFromFiles(context.Background(), a.Config.Configs.Dir); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to load migration configs from files")
	}
	return nil
}

// initBroker opens the embedded broker and the shared publish channel.
func (a *App) initBroker() error {
	visibility := common.ParseDurationOr(a.Config.Broker.VisibilityTimeout, 5*time.Minute)
	poll := common.ParseDurationOr(a.Config.Broker.PollInterval, 500*time.Millisecond)
	reconnect := common.ParseDurationOr(a.Config.Broker.ReconnectDelay, 5*time.Second)

	a.Broker = broker.New(a.Config.BrokerDataDir(), visibility, poll, a.Logger)
	if err := a.Broker.Connect(a.Config.Broker.ConnectRetries, reconnect); err != nil {
		return err
	}
	a.publish = a.Broker.Channel(broker.ChannelPublish, a.Config.Broker.PrefetchCount)
	a.Logger.Debug().
		Str("data_dir", a.Config.BrokerDataDir()).
		Dur("visibility_timeout", visibility).
		Msg("Broker initialized")
	return nil
}

// initServices builds the queue manager, planner, validation engine and
// worker runtime on top of storage and the broker.
func (a *App) initServices() {
	configs := a.StorageManager.ConfigStorage()

	a.Queues = queue.NewManager(a.Broker, configs, a.Logger)
	a.Planner = queue.NewPlanner(a.Queues, configs, a.publish, a.Logger)

	sessionTTL := common.ParseDurationOr(a.Config.Maintenance.SessionTTL, time.Hour)
	a.Sessions = validation.NewSessionStore(sessionTTL)
	a.Validation = validation.NewEngine(a.StorageManager, a.Sessions, a.Config, a.Logger)

	a.Scratch = worker.NewScratchStore(a.Config.Scratch.Dir, a.Logger)
	a.Runtime = worker.NewRuntime(a.Broker, a.StorageManager, a.Queues, a.Planner, a.Scratch, a.Config, a.Logger)

	a.Logger.Debug().Msg("Queue, validation and worker services initialized")
}

// initHandlers builds the HTTP handlers over the services.
func (a *App) initHandlers() {
	configs := a.StorageManager.ConfigStorage()

	a.APIHandler = handlers.NewAPIHandler(a.Broker, a.Logger)
	a.MigrationHandler = handlers.NewMigrationHandler(a.Planner, a.Validation, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Queues, a.Runtime, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Queues, a.Sessions, a.Logger)
	a.FailedHandler = handlers.NewFailedHandler(a.Broker, a.publish, configs, a.Logger)
	a.ConfigHandler = handlers.NewConfigHandler(configs, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Queues, a.Sessions, configs, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
}

// initScheduler registers the maintenance sweeps.
func (a *App) initScheduler() error {
	a.Scheduler = scheduler.New(a.Logger)

	scratchMaxAge := common.ParseDurationOr(a.Config.Maintenance.ScratchMaxAge, 24*time.Hour)
	err := a.Scheduler.Schedule(a.Config.Maintenance.Schedule, "maintenance", func() {
		if removed := a.Sessions.Sweep(); removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("Expired validation sessions swept")
		}
		if removed := a.Scratch.SweepOlderThan(scratchMaxAge); removed > 0 {
			a.Logger.Info().Int("removed", removed).Msg("Orphaned scratch files swept")
		}
	})
	return err
}

// Start launches the worker runtime, the scheduler and the WebSocket
// broadcaster.
func (a *App) Start() error {
	if err := a.Runtime.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start worker runtime: %w", err)
	}
	a.Scheduler.Start()
	go a.WSHandler.Run(a.ctx, 2*time.Second)

	a.Logger.Info().Msg("Application started")
	return nil
}

// Close shuts down all application resources in reverse dependency order.
func (a *App) Close() error {
	a.cancel()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Runtime != nil {
		a.Runtime.Stop()
		a.Logger.Info().Msg("Worker runtime stopped")
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
