// Package sysinfo is a sample plugin exercising command and cooldown
// triggers: "!status" text events produce a runtime report, at most once
// per sender within the cooldown window.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"loom/internal/bus"
	"loom/internal/event"
	"loom/internal/plugin"
	"loom/pkg/logx"
)

// TypeText is the inbound text event type this plugin listens on. An
// embedding program (chat adapter, stdin reader) emits these.
const TypeText = "input.text"

// TypeReport carries the produced status report back onto the bus.
const TypeReport = "sysinfo.report"

type Config struct {
	Cooldown string `json:"cooldown"`
}

type Plugin struct {
	log logx.Logger
	rt  plugin.Runtime

	reg       bus.Registration
	startedAt time.Time
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string    { return "sysinfo" }
func (p *Plugin) Version() string { return "1.0.0" }

func (p *Plugin) Requires() []string  { return nil }
func (p *Plugin) DependsOn() []string { return nil }

func (p *Plugin) Init(ctx context.Context, rt plugin.Runtime) error {
	p.rt = rt
	p.log = rt.Log
	p.startedAt = time.Now()

	cfg := Config{Cooldown: "10s"}
	if len(rt.Raw) > 0 {
		if err := json.Unmarshal(rt.Raw, &cfg); err != nil {
			return fmt.Errorf("sysinfo config: %w", err)
		}
	}
	window, err := time.ParseDuration(cfg.Cooldown)
	if err != nil || window < 0 {
		return fmt.Errorf("sysinfo: invalid cooldown %q", cfg.Cooldown)
	}

	// One window per sender, so a chatty source can't starve others.
	bySender := func(e event.Event) string {
		if v, ok := e.Get("sender"); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return e.Source()
	}

	reg, err := rt.Bus.Register(TypeText, p.onStatus,
		bus.WithName("sysinfo.status"),
		bus.WithTriggers(
			event.Command("!status"),
			event.Cooldown(window, bySender),
		))
	if err != nil {
		return err
	}
	p.reg = reg
	return nil
}

func (p *Plugin) onStatus(ctx context.Context, inv bus.Invocation) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	report := map[string]any{
		"go":         runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"mem_alloc":  m.Alloc,
		"mem_sys":    m.Sys,
		"uptime":     time.Since(p.startedAt).Round(time.Second).String(),
	}
	if len(inv.Args) > 0 {
		report["args"] = inv.Args
	}
	if v, ok := inv.Event.Get("sender"); ok {
		report["for"] = v
	}

	// Async so a slow report consumer never stretches the text dispatch.
	p.rt.Bus.Go(ctx, event.New(TypeReport, report).WithSource(p.Name()))
	p.log.Debug("status report emitted", logx.Int("goroutines", runtime.NumGoroutine()))
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	return p.rt.Bus.Unregister(p.reg)
}

func (p *Plugin) Health(ctx context.Context) plugin.Health {
	return plugin.Healthy("uptime " + time.Since(p.startedAt).Round(time.Second).String())
}
