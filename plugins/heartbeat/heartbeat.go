// Package heartbeat is a sample plugin exercising the scheduler: a fixed
// interval beat plus an hourly cron summary, with the last beat persisted
// through the key-value capability.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/internal/bus"
	"loom/internal/event"
	"loom/internal/plugin"
	"loom/internal/storage"
	"loom/pkg/logx"
)

const lastBeatKey = "heartbeat.last"

type Config struct {
	Interval string `json:"interval"`
	Cron     string `json:"cron"`
}

type Plugin struct {
	log logx.Logger
	rt  plugin.Runtime

	interval time.Duration

	taskIDs []string
	regs    []bus.Registration

	mu       sync.Mutex
	beats    int
	lastBeat time.Time
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string    { return "heartbeat" }
func (p *Plugin) Version() string { return "1.0.0" }

func (p *Plugin) Requires() []string  { return []string{storage.CapKV} }
func (p *Plugin) DependsOn() []string { return nil }

func (p *Plugin) Init(ctx context.Context, rt plugin.Runtime) error {
	p.rt = rt
	p.log = rt.Log

	cfg := Config{Interval: "30s", Cron: "0 * * * *"}
	if len(rt.Raw) > 0 {
		if err := json.Unmarshal(rt.Raw, &cfg); err != nil {
			return fmt.Errorf("heartbeat config: %w", err)
		}
	}
	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil || interval <= 0 {
		return fmt.Errorf("heartbeat: invalid interval %q", cfg.Interval)
	}
	p.interval = interval

	id, err := rt.Scheduler.AddInterval("heartbeat", interval)
	if err != nil {
		return err
	}
	p.taskIDs = append(p.taskIDs, id)

	id, err = rt.Scheduler.AddCron("heartbeat.summary", cfg.Cron)
	if err != nil {
		return err
	}
	p.taskIDs = append(p.taskIDs, id)

	// Only this plugin's tasks; other interval/cron tasks pass by.
	mine := event.When(event.FieldEquals("task", "heartbeat"))
	reg, err := rt.Bus.Register(event.TypeInterval, p.onBeat,
		bus.WithName("heartbeat.beat"),
		bus.WithTriggers(mine),
		bus.WithDependencies(storage.CapKV))
	if err != nil {
		return err
	}
	p.regs = append(p.regs, reg)

	summary := event.When(event.FieldEquals("task", "heartbeat.summary"))
	reg, err = rt.Bus.Register(event.TypeCron, p.onSummary,
		bus.WithName("heartbeat.summary"),
		bus.WithTriggers(summary))
	if err != nil {
		return err
	}
	p.regs = append(p.regs, reg)

	return nil
}

func (p *Plugin) onBeat(ctx context.Context, inv bus.Invocation) error {
	now := time.Now()
	p.mu.Lock()
	p.beats++
	p.lastBeat = now
	beats := p.beats
	p.mu.Unlock()

	kv, _ := inv.Deps.Get(storage.CapKV).(storage.KV)
	if kv != nil {
		if err := kv.Set(ctx, lastBeatKey, now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("persist last beat: %w", err)
		}
	}

	p.log.Debug("beat", logx.Int("count", beats))
	return nil
}

func (p *Plugin) onSummary(ctx context.Context, inv bus.Invocation) error {
	p.mu.Lock()
	beats := p.beats
	last := p.lastBeat
	p.mu.Unlock()

	p.log.Info("heartbeat summary",
		logx.Int("beats", beats),
		logx.Time("last", last))
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	for _, id := range p.taskIDs {
		p.rt.Scheduler.Cancel(id)
	}
	for _, reg := range p.regs {
		_ = p.rt.Bus.Unregister(reg)
	}
	return nil
}

// Health reports degraded when no beat arrived within three intervals.
func (p *Plugin) Health(ctx context.Context) plugin.Health {
	p.mu.Lock()
	last := p.lastBeat
	beats := p.beats
	p.mu.Unlock()

	if beats == 0 {
		return plugin.Healthy("no beats yet")
	}
	if stale := time.Since(last); stale > 3*p.interval {
		return plugin.Degraded(fmt.Sprintf("last beat %s ago", stale.Round(time.Second)))
	}
	return plugin.Healthy(fmt.Sprintf("%d beats", beats))
}
