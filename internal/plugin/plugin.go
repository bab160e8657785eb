// Package plugin coordinates the lifecycle of self-contained extension
// units: mount, dependency-ordered start, and tolerant reverse-order stop.
package plugin

import (
	"context"
	"encoding/json"
	"time"

	"loom/internal/bus"
	"loom/internal/container"
	"loom/internal/scheduler"
	"loom/pkg/logx"
)

// Runtime is what a plugin receives at Init time. Registrations made
// through it become visible to dispatch only after Init returns.
type Runtime struct {
	Log       logx.Logger
	Bus       *bus.Bus
	Scheduler *scheduler.Service
	Container *container.Container

	// Raw is the plugin's own config section, if any.
	Raw json.RawMessage
}

// Plugin is a self-contained extension unit.
//
// Init may register handlers into the bus, bindings into the container and
// tasks into the scheduler. Shutdown is called exactly once per mounted
// plugin during StopAll; it should respect ctx cancellation.
type Plugin interface {
	Name() string
	Version() string

	// Requires lists capability ids that must be bound in the container
	// before this plugin initializes.
	Requires() []string

	// DependsOn lists plugin names that must start before this one.
	DependsOn() []string

	Init(ctx context.Context, rt Runtime) error
	Shutdown(ctx context.Context) error
}

// HealthChecker is optionally implemented by plugins that can report a
// health status.
type HealthChecker interface {
	Health(ctx context.Context) Health
}

// State is a plugin's lifecycle state.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
	// StateFailed is terminal: an initialization error absorbs the plugin.
	StateFailed State = "failed"
)

// HealthStatus levels.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is a plugin health check result.
type Health struct {
	Status  HealthStatus
	Message string
	Time    time.Time
	Details map[string]any
}

func Healthy(msg string) Health {
	return Health{Status: StatusHealthy, Message: msg, Time: time.Now()}
}

func Degraded(msg string) Health {
	return Health{Status: StatusDegraded, Message: msg, Time: time.Now()}
}

func Unhealthy(msg string) Health {
	return Health{Status: StatusUnhealthy, Message: msg, Time: time.Now()}
}
