package event

import (
	"time"
)

// Well-known event types emitted by the runtime itself.
const (
	TypeStartup  = "system.startup"
	TypeShutdown = "system.shutdown"
	TypeError    = "error"
	TypeHealth   = "plugin.health"
	TypeLogEntry = "log.entry"

	TypeInterval = "schedule.interval"
	TypeCron     = "schedule.cron"
	TypeWatch    = "schedule.watch"
	TypeOnce     = "schedule.once"
)

// Event is an immutable typed envelope routed through the bus.
//
// The type string is fixed at construction and owned by the instance:
// two events of the same kind built with different type strings never
// share storage.
type Event struct {
	typ     string
	source  string
	time    time.Time
	payload map[string]any
}

// New builds an event of the given type. The payload is copied so later
// mutation of the caller's map does not leak into the envelope.
func New(typ string, payload map[string]any) Event {
	return Event{
		typ:     typ,
		source:  "system",
		time:    time.Now(),
		payload: copyPayload(payload),
	}
}

// Type returns the routing type of this event.
func (e Event) Type() string { return e.typ }

// Source reports which component emitted the event.
func (e Event) Source() string { return e.source }

// Time is the construction timestamp.
func (e Event) Time() time.Time { return e.time }

// WithSource returns a copy of the event attributed to source.
func (e Event) WithSource(source string) Event {
	if source == "" {
		return e
	}
	e.source = source
	return e
}

// Payload returns a shallow copy of the payload map.
func (e Event) Payload() map[string]any { return copyPayload(e.payload) }

// Get returns a single payload value.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.payload[key]
	return v, ok
}

// Text returns the payload's "text" field, or "" when absent.
// Command triggers parse their leading token from this value.
func (e Event) Text() string {
	if v, ok := e.payload["text"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func copyPayload(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
