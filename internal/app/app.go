// Package app is the composition root: it loads configuration, builds every
// service with its dependencies and owns the start/stop order.
package app

import (
	"context"
	"fmt"
	"time"

	"harvestd/internal/api"
	"harvestd/internal/config"
	"harvestd/internal/progress"
	"harvestd/internal/runner"
	"harvestd/internal/sched"
	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store     *store.Store
	registry  *scraper.Registry
	tracker   *progress.Tracker
	runner    *runner.Runner
	scheduler *sched.Scheduler
	server    *api.Server

	cancelWatch context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := scraper.NewRegistry()
	tracker := progress.NewTracker(log.With(logx.String("comp", "progress")))

	httpTimeout, err := cfg.Executor.TimeoutOrDefault()
	if err != nil {
		return nil, err
	}
	run := runner.New(runner.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrentOrDefault(),
		HTTPTimeout:   httpTimeout,
		UserAgent:     cfg.Executor.UserAgent,
	}, st, registry, tracker, log.With(logx.String("comp", "runner")))

	scheduler := sched.New(sched.Config{
		Timezone: cfg.Scheduler.Timezone,
	}, st, run, log.With(logx.String("comp", "scheduler")))

	var server *api.Server
	if cfg.HTTP.Enabled {
		server = api.NewServer(api.Config{
			Addr:  cfg.HTTP.AddrOrDefault(),
			Debug: cfg.HTTP.Debug,
		}, st, run, scheduler, tracker, log.With(logx.String("comp", "api")))
	}

	// Logging is the only hot-reloadable section.
	cfgm.OnChange(func(next *config.Config) {
		logSvc.Apply(logx.Config{
			Level:   next.Logging.Level,
			Console: next.Logging.ConsoleEnabled(),
			File: logx.FileConfig{
				Enabled: next.Logging.File.Enabled,
				Path:    next.Logging.File.Path,
			},
		})
	})

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     st,
		registry:  registry,
		tracker:   tracker,
		runner:    run,
		scheduler: scheduler,
		server:    server,
	}, nil
}

// Registry exposes the plugin registry so main can register drivers before
// Start.
func (a *App) Registry() *scraper.Registry { return a.registry }

func (a *App) Start(ctx context.Context) error {
	a.runner.Start(ctx)

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.ReloadJobs(ctx); err != nil {
		return err
	}

	if a.server != nil {
		a.server.Start()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	go func() {
		if err := a.cfgm.Watch(watchCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.log.Info("started", logx.String("drivers", fmt.Sprintf("%v", a.registry.Names())))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.scheduler.Stop()
	if a.server != nil {
		a.server.Stop(ctx)
	}
	a.runner.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
