// Package app wires the runtime together: config, logging, storage,
// container, bus, scheduler and plugin lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/container"
	"loom/internal/event"
	"loom/internal/plugin"
	"loom/internal/scheduler"
	"loom/internal/storage"
	"loom/pkg/logx"
)

// App owns the assembled runtime. Construction binds everything; Start
// brings it to life; Stop tears it down in reverse.
type App struct {
	cfgMgr *config.Manager

	logsvc *logx.Service
	log    logx.Logger

	store     storage.Store
	container *container.Container
	bus       *bus.Bus
	scheduler *scheduler.Service
	plugins   *plugin.Manager

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	stopOnce sync.Once
}

// New loads the config file and assembles the runtime. Nothing is started
// yet: plugins can still be mounted on the returned App.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}

	logsvc, log := logx.New(toLogConfig(cfg.Logging))
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{
		cfgMgr:    cfgMgr,
		logsvc:    logsvc,
		log:       log,
		container: container.New(),
	}

	if cfg.Storage != nil {
		scfg := storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path}
		if scfg.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return nil, err
		}
		store, err := storage.Open(scfg, log.With(logx.String("svc", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = store
	}

	if a.store != nil {
		for _, bind := range []struct {
			id string
			v  any
		}{
			{storage.CapKV, storage.KV(a.store)},
			{storage.CapEventLog, storage.EventLog(a.store)},
			{storage.CapSecrets, storage.Secrets(a.store)},
		} {
			if err := a.container.Instance(bind.id, bind.v); err != nil {
				return nil, fmt.Errorf("bind %s: %w", bind.id, err)
			}
		}
	}

	a.bus = bus.New(a.container, log.With(logx.String("svc", "bus")))
	a.scheduler = scheduler.New(
		scheduler.Config{
			Timezone:    cfg.Scheduler.Timezone,
			HistorySize: cfg.Scheduler.HistorySize,
		},
		func(ctx context.Context, e event.Event) { a.bus.Emit(ctx, e) },
		log.With(logx.String("svc", "scheduler")),
	)

	a.plugins = plugin.NewManager(plugin.Runtime{
		Log:       log,
		Bus:       a.bus,
		Scheduler: a.scheduler,
		Container: a.container,
	}, log.With(logx.String("svc", "plugins")))

	a.configurePlugins(cfg)

	return a, nil
}

func toLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    lc.Bus.Enabled,
			MinLevel:   lc.Bus.MinLevel,
			RatePerSec: lc.Bus.RatePerSec,
		},
	}
}

func (a *App) configurePlugins(cfg *config.Config) {
	configs := map[string]json.RawMessage{}
	enabled := map[string]bool{}
	for name, pc := range cfg.Plugins {
		configs[name] = pc.Config
		enabled[name] = pc.IsEnabled()
	}
	a.plugins.Configure(configs, enabled)
}

// Mount registers plugins before Start.
func (a *App) Mount(ps ...plugin.Plugin) error { return a.plugins.Mount(ps...) }

// Bus exposes the event bus, e.g. for an embedding program.
func (a *App) Bus() *bus.Bus { return a.bus }

// Container exposes the service container.
func (a *App) Container() *container.Container { return a.container }

// Scheduler exposes the task scheduler.
func (a *App) Scheduler() *scheduler.Service { return a.scheduler }

// Plugins exposes the plugin manager.
func (a *App) Plugins() *plugin.Manager { return a.plugins }

// Logger returns the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Start brings the runtime up: config watch, log mirroring, scheduler,
// plugins, and finally the startup event. A plugin ordering error (cycle,
// unmounted dependency) aborts the start.
func (a *App) Start(ctx context.Context) error {
	// Mirror warnings and errors onto the bus as log.entry events.
	// Fire-and-forget so a slow handler can't stall the logger.
	a.logsvc.SetPublisher(func(level, message string, fields map[string]any) {
		payload := map[string]any{"level": level, "text": message}
		for k, v := range fields {
			payload[k] = v
		}
		a.bus.Go(context.WithoutCancel(ctx), event.New(event.TypeLogEntry, payload).WithSource("logx"))
	})

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		_ = a.cfgMgr.Watch(wctx)
	}()
	go a.followConfig(wctx)

	a.scheduler.Start(ctx)

	if err := a.plugins.StartAll(ctx); err != nil {
		return err
	}

	a.bus.Emit(ctx, event.New(event.TypeStartup, map[string]any{
		"time": time.Now().Format(time.RFC3339),
	}).WithSource("app"))

	a.log.Info("runtime started")
	return nil
}

// followConfig applies hot-reloaded config sections that support live
// changes: the logging section takes effect immediately, plugin sections
// are refreshed for the next start.
func (a *App) followConfig(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			a.logsvc.Apply(toLogConfig(cfg.Logging))
			a.configurePlugins(cfg)
			a.log.Info("config re-applied")
		}
	}
}

// Stop shuts the runtime down: shutdown event, plugins in reverse start
// order, scheduler, bus, storage, logging. Safe to call more than once.
func (a *App) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.log.Info("runtime stopping")

		// Let handlers observe the shutdown while everything still runs.
		a.bus.Emit(ctx, event.New(event.TypeShutdown, map[string]any{
			"time": time.Now().Format(time.RFC3339),
		}).WithSource("app"))

		a.plugins.StopAll(ctx)
		a.scheduler.Stop()

		if a.watchCancel != nil {
			a.watchCancel()
			<-a.watchDone
		}

		// Detach the log mirror before the bus closes.
		a.logsvc.SetPublisher(nil)
		a.bus.Close()

		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.log.Warn("storage close failed", logx.Err(err))
			}
		}

		a.log.Info("runtime stopped")
		_ = a.logsvc.Close()
	})
}
