package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNoSecret is returned when a named secret does not exist.
	ErrNoSecret = errors.New("secret not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Capability identifiers bound into the service container at bootstrap.
const (
	CapKV       = "storage.kv"
	CapEventLog = "storage.eventlog"
	CapSecrets  = "storage.secrets"
)

// KV is the key-value capability consumed by handlers and plugins.
type KV interface {
	Get(ctx context.Context, key, def string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// EventLog is the append-only event journal capability.
type EventLog interface {
	LogEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// Secrets is the credential storage capability. The engine stores values
// opaquely; protecting them at rest is the backend's concern, not the
// runtime's.
type Secrets interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
}

// Store is the full persistence API a driver provides.
type Store interface {
	KV
	EventLog
	Secrets
	Close() error
}

// LoggedEvent is one row of the event journal.
type LoggedEvent struct {
	At      time.Time      `json:"at"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}
