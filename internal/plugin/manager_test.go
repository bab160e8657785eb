package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/bus"
	"loom/internal/container"
	"loom/pkg/logx"
)

type fakePlugin struct {
	name      string
	requires  []string
	dependsOn []string

	initErr error
	stopErr error
	panicOn string // "init" or "shutdown"
	order   *callOrder
	stopped bool
	mu      sync.Mutex
}

type callOrder struct {
	mu    sync.Mutex
	inits []string
	stops []string
}

func (o *callOrder) init(name string) {
	o.mu.Lock()
	o.inits = append(o.inits, name)
	o.mu.Unlock()
}

func (o *callOrder) stop(name string) {
	o.mu.Lock()
	o.stops = append(o.stops, name)
	o.mu.Unlock()
}

func (p *fakePlugin) Name() string        { return p.name }
func (p *fakePlugin) Version() string     { return "0.0.1" }
func (p *fakePlugin) Requires() []string  { return p.requires }
func (p *fakePlugin) DependsOn() []string { return p.dependsOn }

func (p *fakePlugin) Init(ctx context.Context, rt Runtime) error {
	if p.order != nil {
		p.order.init(p.name)
	}
	if p.panicOn == "init" {
		panic("init bug in " + p.name)
	}
	return p.initErr
}

func (p *fakePlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.order != nil {
		p.order.stop(p.name)
	}
	if p.panicOn == "shutdown" {
		panic("shutdown bug in " + p.name)
	}
	return p.stopErr
}

func (p *fakePlugin) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func newTestManager(t *testing.T) (*Manager, *container.Container) {
	t.Helper()
	c := container.New()
	b := bus.New(c, logx.Nop())
	t.Cleanup(b.Close)
	m := NewManager(Runtime{Log: logx.Nop(), Bus: b, Container: c}, logx.Nop())
	return m, c
}

func TestMountDuplicateName(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Mount(&fakePlugin{name: "a"}))
	assert.Error(t, m.Mount(&fakePlugin{name: "a"}))
}

func TestStartAllDependencyOrder(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	// Mounted out of order; declared deps must win.
	require.NoError(t, m.Mount(
		&fakePlugin{name: "c", dependsOn: []string{"b"}, order: order},
		&fakePlugin{name: "b", dependsOn: []string{"a"}, order: order},
		&fakePlugin{name: "a", order: order},
	))

	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order.inits)

	states := m.States()
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, StateRunning, states[name], name)
	}
}

func TestStartAllCycleFailsBeforeAnyInit(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	require.NoError(t, m.Mount(
		&fakePlugin{name: "a", dependsOn: []string{"b"}, order: order},
		&fakePlugin{name: "b", dependsOn: []string{"a"}, order: order},
		&fakePlugin{name: "solo", order: order},
	))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	// No partial start: not even the acyclic plugin initialized.
	assert.Empty(t, order.inits)
}

func TestStartAllUnmountedDependency(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Mount(&fakePlugin{name: "a", dependsOn: []string{"ghost"}}))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestStartAllMissingCapability(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	require.NoError(t, m.Mount(
		&fakePlugin{name: "needy", requires: []string{"storage.kv"}, order: order},
		&fakePlugin{name: "fine", order: order},
	))

	require.NoError(t, m.StartAll(context.Background()))

	states := m.States()
	assert.Equal(t, StateFailed, states["needy"])
	assert.Equal(t, StateRunning, states["fine"])
	assert.ErrorIs(t, m.Err("needy"), container.ErrUnresolved)
	assert.NotContains(t, order.inits, "needy")
}

func TestInitFailureIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	boom := errors.New("boom")

	require.NoError(t, m.Mount(
		&fakePlugin{name: "bad", initErr: boom},
		&fakePlugin{name: "good"},
	))

	require.NoError(t, m.StartAll(context.Background()))

	states := m.States()
	assert.Equal(t, StateFailed, states["bad"])
	assert.Equal(t, StateRunning, states["good"])
	assert.ErrorIs(t, m.Err("bad"), boom)
}

func TestInitPanicBecomesFailed(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Mount(
		&fakePlugin{name: "crasher", panicOn: "init"},
		&fakePlugin{name: "good"},
	))

	require.NoError(t, m.StartAll(context.Background()))

	assert.Equal(t, StateFailed, m.States()["crasher"])
	assert.Equal(t, StateRunning, m.States()["good"])
	assert.Contains(t, m.Err("crasher").Error(), "panic")
}

func TestDependentOfFailedPluginFails(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Mount(
		&fakePlugin{name: "base", initErr: errors.New("boom")},
		&fakePlugin{name: "child", dependsOn: []string{"base"}},
	))

	require.NoError(t, m.StartAll(context.Background()))

	states := m.States()
	assert.Equal(t, StateFailed, states["base"])
	assert.Equal(t, StateFailed, states["child"])
}

func TestStopAllReverseOrder(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	require.NoError(t, m.Mount(
		&fakePlugin{name: "a", order: order},
		&fakePlugin{name: "b", dependsOn: []string{"a"}, order: order},
	))
	require.NoError(t, m.StartAll(context.Background()))

	m.StopAll(context.Background())
	assert.Equal(t, []string{"b", "a"}, order.stops)

	states := m.States()
	assert.Equal(t, StateStopped, states["a"])
	assert.Equal(t, StateStopped, states["b"])
}

func TestStopAllTolerant(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	bad := &fakePlugin{name: "bad", panicOn: "shutdown", order: order}
	good := &fakePlugin{name: "good", order: order}
	require.NoError(t, m.Mount(good, bad))
	require.NoError(t, m.StartAll(context.Background()))

	m.StopAll(context.Background())

	// A panicking shutdown never blocks the rest.
	assert.True(t, good.wasStopped())
	assert.True(t, bad.wasStopped())
	assert.Len(t, order.stops, 2)
}

func TestStopAllReachesFailedPlugins(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	// A failed Init may have registered tasks or handlers before the
	// error; the shutdown attempt is where those get released.
	bad := &fakePlugin{name: "bad", initErr: errors.New("boom"), order: order}
	crasher := &fakePlugin{name: "crasher", panicOn: "init", order: order}
	good := &fakePlugin{name: "good", order: order}
	require.NoError(t, m.Mount(good, bad, crasher))
	require.NoError(t, m.StartAll(context.Background()))
	require.Equal(t, StateFailed, m.States()["bad"])
	require.Equal(t, StateFailed, m.States()["crasher"])

	m.StopAll(context.Background())

	assert.True(t, bad.wasStopped(), "failed plugin must still receive its shutdown attempt")
	assert.True(t, crasher.wasStopped(), "init-panicked plugin must still receive its shutdown attempt")
	assert.True(t, good.wasStopped())
	// Exactly one attempt each.
	assert.Len(t, order.stops, 3)

	states := m.States()
	assert.Equal(t, StateStopped, states["good"])
	// Failed stays terminal even after the shutdown attempt.
	assert.Equal(t, StateFailed, states["bad"])
	assert.Equal(t, StateFailed, states["crasher"])
}

func TestDisabledPluginSkipped(t *testing.T) {
	m, _ := newTestManager(t)
	order := &callOrder{}

	require.NoError(t, m.Mount(
		&fakePlugin{name: "on", order: order},
		&fakePlugin{name: "off", order: order},
	))
	m.Configure(nil, map[string]bool{"off": false})

	require.NoError(t, m.StartAll(context.Background()))

	assert.Equal(t, []string{"on"}, order.inits)
	assert.Equal(t, StateRegistered, m.States()["off"])
}

func TestHealthAll(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Mount(
		&healthyPlugin{fakePlugin: fakePlugin{name: "hp"}},
		&fakePlugin{name: "plain"},
	))
	require.NoError(t, m.StartAll(context.Background()))

	out := m.HealthAll(context.Background())
	require.Contains(t, out, "hp")
	assert.Equal(t, StatusHealthy, out["hp"].Status)
	// Plugins without a health check are absent, not unhealthy.
	assert.NotContains(t, out, "plain")
}

type healthyPlugin struct{ fakePlugin }

func (p *healthyPlugin) Health(ctx context.Context) Health { return Healthy("ok") }
