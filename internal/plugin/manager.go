package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/internal/container"
	"loom/internal/event"
	"loom/pkg/logx"
)

const defaultCallTimeout = 10 * time.Second

// Manager mounts plugins and drives their lifecycle. Starting resolves a
// topological order over declared plugin dependencies; a cycle is a fatal
// configuration error reported before any plugin initializes.
type Manager struct {
	mu sync.Mutex

	log logx.Logger
	rt  Runtime

	plugins map[string]Plugin
	mounted []string // mount order, used as topo tiebreak
	states  map[string]State
	errs    map[string]error
	started []string // successful start order, reversed for shutdown

	// per-plugin config sections; a plugin absent from enabled is
	// enabled by default.
	configs map[string]json.RawMessage
	enabled map[string]bool

	callTimeout time.Duration
}

func NewManager(rt Runtime, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:         log,
		rt:          rt,
		plugins:     map[string]Plugin{},
		states:      map[string]State{},
		errs:        map[string]error{},
		configs:     map[string]json.RawMessage{},
		enabled:     map[string]bool{},
		callTimeout: defaultCallTimeout,
	}
}

// Configure installs per-plugin config sections and enable flags, usually
// from the application config file.
func (m *Manager) Configure(configs map[string]json.RawMessage, enabled map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range configs {
		m.configs[k] = v
	}
	for k, v := range enabled {
		m.enabled[k] = v
	}
}

// Mount adds plugins to the pending set without starting them.
func (m *Manager) Mount(ps ...Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		name := p.Name()
		if name == "" {
			return fmt.Errorf("plugin: empty name")
		}
		if _, dup := m.plugins[name]; dup {
			return fmt.Errorf("plugin %q: already mounted", name)
		}
		m.plugins[name] = p
		m.mounted = append(m.mounted, name)
		m.states[name] = StateRegistered
	}
	return nil
}

// StartAll initializes mounted plugins in dependency order. A dependency
// cycle or a reference to an unmounted plugin fails before any Init runs
// (no partial start). A plugin whose Init fails transitions to Failed;
// the remaining plugins still start.
func (m *Manager) StartAll(ctx context.Context) error {
	order, err := m.startOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		m.mu.Lock()
		p := m.plugins[name]
		on, configured := m.enabled[name]
		raw := m.configs[name]
		m.mu.Unlock()

		if configured && !on {
			m.log.Info("plugin disabled, skipping", logx.String("plugin", name))
			continue
		}
		m.startOne(ctx, name, p, raw)
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, name string, p Plugin, raw json.RawMessage) {
	// Dependencies that failed (or were disabled) make this plugin
	// unstartable; record that as its own failure.
	for _, dep := range p.DependsOn() {
		if m.stateOf(dep) != StateRunning {
			err := fmt.Errorf("plugin %q: dependency %q is not running", name, dep)
			m.setFailed(name, err)
			m.log.Error("plugin start aborted", logx.String("plugin", name), logx.Err(err))
			return
		}
	}

	// Capability requirements surface at mount, not at first dispatch.
	for _, id := range p.Requires() {
		if !m.rt.Container.Has(id) {
			err := fmt.Errorf("plugin %q requires %q: %w", name, id, container.ErrUnresolved)
			m.setFailed(name, err)
			m.log.Error("plugin start aborted", logx.String("plugin", name), logx.Err(err))
			return
		}
	}

	m.setState(name, StateInitializing)
	m.log.Debug("plugin initializing",
		logx.String("plugin", name),
		logx.String("version", p.Version()))

	rt := m.rt
	rt.Log = m.rt.Log.With(logx.String("plugin", name))
	rt.Raw = raw

	ictx, cancel := context.WithTimeout(ctx, m.callTimeout)
	err := safeCall("init."+name, func() error { return p.Init(ictx, rt) })
	cancel()
	if err != nil {
		m.setFailed(name, err)
		m.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
		return
	}

	m.mu.Lock()
	m.states[name] = StateRunning
	m.started = append(m.started, name)
	m.mu.Unlock()
	m.log.Info("plugin started",
		logx.String("plugin", name),
		logx.String("version", p.Version()))
}

// StopAll shuts plugins down in the reverse of start order, then gives
// every remaining mounted plugin its shutdown attempt. A failing shutdown
// is logged and never blocks the rest; each plugin is attempted once.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	order := make([]string, len(m.started))
	copy(order, m.started)
	m.started = nil
	seen := map[string]bool{}
	for _, name := range order {
		seen[name] = true
	}
	// Every other mounted plugin still gets exactly one attempt. That
	// includes Failed ones: a failed Init may have registered tasks or
	// handlers before the error, and Shutdown is where they are released.
	var rest []string
	for i := len(m.mounted) - 1; i >= 0; i-- {
		if name := m.mounted[i]; !seen[name] {
			rest = append(rest, name)
		}
	}
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		m.stopOne(ctx, order[i])
	}
	for _, name := range rest {
		m.stopOne(ctx, name)
	}
}

func (m *Manager) stopOne(ctx context.Context, name string) {
	m.mu.Lock()
	p := m.plugins[name]
	// Failed is terminal; the shutdown attempt must not mask it.
	wasFailed := m.states[name] == StateFailed
	m.mu.Unlock()
	if p == nil {
		return
	}

	if !wasFailed {
		m.setState(name, StateShuttingDown)
	}
	start := time.Now()

	sctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	err := safeCall("shutdown."+name, func() error { return p.Shutdown(sctx) })
	cancel()

	if !wasFailed {
		m.setState(name, StateStopped)
	}
	if err != nil {
		m.log.Warn("plugin shutdown failed",
			logx.String("plugin", name),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		return
	}
	m.log.Debug("plugin stopped",
		logx.String("plugin", name),
		logx.Duration("took", time.Since(start)))
}

// startOrder computes a deterministic topological order over declared
// plugin dependencies (Kahn's algorithm; names break ties).
func (m *Manager) startOrder() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	indeg := make(map[string]int, len(m.plugins))
	dependents := map[string][]string{}
	for name, p := range m.plugins {
		indeg[name] += 0
		for _, dep := range p.DependsOn() {
			if _, ok := m.plugins[dep]; !ok {
				return nil, fmt.Errorf("plugin %q depends on unmounted plugin %q", name, dep)
			}
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range m.mounted {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(m.plugins))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(m.plugins) {
		var cyclic []string
		for name := range m.plugins {
			if indeg[name] > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("plugin dependency cycle involving: %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}

// HealthAll runs the optional health check of every running plugin and
// mirrors each result onto the bus as a plugin.health event.
func (m *Manager) HealthAll(ctx context.Context) map[string]Health {
	m.mu.Lock()
	names := make([]string, len(m.started))
	copy(names, m.started)
	m.mu.Unlock()

	out := map[string]Health{}
	for _, name := range names {
		m.mu.Lock()
		p := m.plugins[name]
		running := m.states[name] == StateRunning
		m.mu.Unlock()
		hc, ok := p.(HealthChecker)
		if !ok || !running {
			continue
		}

		var h Health
		err := safeCall("health."+name, func() error {
			hctx, cancel := context.WithTimeout(ctx, m.callTimeout)
			defer cancel()
			h = hc.Health(hctx)
			return nil
		})
		if err != nil {
			h = Unhealthy(err.Error())
		}
		out[name] = h

		m.rt.Bus.Go(ctx, event.New(event.TypeHealth, map[string]any{
			"plugin":  name,
			"status":  string(h.Status),
			"message": h.Message,
		}).WithSource("plugin-manager"))
	}
	return out
}

// States returns a snapshot of every mounted plugin's lifecycle state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Err returns the recorded failure for a plugin, if any.
func (m *Manager) Err(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[name]
}

func (m *Manager) stateOf(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name]
}

func (m *Manager) setState(name string, st State) {
	m.mu.Lock()
	m.states[name] = st
	m.mu.Unlock()
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	m.states[name] = StateFailed
	m.errs[name] = err
	m.mu.Unlock()
}

func safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", label, r, debug.Stack())
		}
	}()
	return fn()
}
