// Package audit is a sample plugin consuming the event-log capability:
// it mirrors bus traffic into the persistent event journal.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"loom/internal/bus"
	"loom/internal/event"
	"loom/internal/plugin"
	"loom/internal/storage"
	"loom/pkg/logx"
)

type Config struct {
	// Skip lists event types excluded from the journal.
	Skip []string `json:"skip"`
}

type Plugin struct {
	log logx.Logger
	rt  plugin.Runtime

	skip map[string]bool
	reg  bus.Registration

	logged atomic.Int64
	failed atomic.Int64
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string    { return "audit" }
func (p *Plugin) Version() string { return "1.0.0" }

func (p *Plugin) Requires() []string  { return []string{storage.CapEventLog} }
func (p *Plugin) DependsOn() []string { return nil }

func (p *Plugin) Init(ctx context.Context, rt plugin.Runtime) error {
	p.rt = rt
	p.log = rt.Log

	// Mirrored log records would journal themselves recursively; skip them
	// unless the config says otherwise.
	p.skip = map[string]bool{event.TypeLogEntry: true}
	if len(rt.Raw) > 0 {
		var cfg Config
		if err := json.Unmarshal(rt.Raw, &cfg); err != nil {
			return fmt.Errorf("audit config: %w", err)
		}
		if cfg.Skip != nil {
			p.skip = make(map[string]bool, len(cfg.Skip))
			for _, t := range cfg.Skip {
				p.skip[t] = true
			}
		}
	}

	reg, err := rt.Bus.Register(bus.TypeAny, p.onEvent,
		bus.WithName("audit.journal"),
		bus.WithDependencies(storage.CapEventLog))
	if err != nil {
		return err
	}
	p.reg = reg
	return nil
}

func (p *Plugin) onEvent(ctx context.Context, inv bus.Invocation) error {
	typ := inv.Event.Type()
	if p.skip[typ] {
		return nil
	}

	elog, _ := inv.Deps.Get(storage.CapEventLog).(storage.EventLog)
	if elog == nil {
		return nil
	}

	payload := inv.Event.Payload()
	payload["source"] = inv.Event.Source()
	if err := elog.LogEvent(ctx, typ, payload); err != nil {
		p.failed.Add(1)
		// Journaling is best-effort; the dispatch must not fail with it.
		p.log.Warn("journal append failed", logx.String("type", typ), logx.Err(err))
		return nil
	}
	p.logged.Add(1)
	return nil
}

func (p *Plugin) Shutdown(ctx context.Context) error {
	return p.rt.Bus.Unregister(p.reg)
}

func (p *Plugin) Health(ctx context.Context) plugin.Health {
	logged, failed := p.logged.Load(), p.failed.Load()
	if failed > 0 && failed >= logged {
		return plugin.Unhealthy(fmt.Sprintf("%d journal failures", failed))
	}
	if failed > 0 {
		return plugin.Degraded(fmt.Sprintf("%d logged, %d failed", logged, failed))
	}
	return plugin.Healthy(fmt.Sprintf("%d logged", logged))
}
