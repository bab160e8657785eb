package event

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Firing is the per-invocation context built while the bus selects
// handlers for an event. Triggers may annotate it (e.g. parsed command
// arguments) before the handler body runs.
type Firing struct {
	Event   Event
	Handler string
	Args    []string
}

// Trigger is a named admission policy evaluated during handler selection.
// Conditions stay pure; only triggers may hold state, and that state is
// owned exclusively by the trigger instance.
type Trigger interface {
	Name() string
	Accept(f *Firing) (bool, error)
}

// AcceptAll evaluates triggers in order with AND semantics, converting a
// panic in any trigger into a rejection with an error.
func AcceptAll(triggers []Trigger, f *Firing) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("trigger panicked: %v", r)
		}
	}()
	for _, t := range triggers {
		pass, err := t.Accept(f)
		if err != nil {
			return false, fmt.Errorf("trigger %s: %w", t.Name(), err)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// ---- When: stateless condition gate ----

type condTrigger struct {
	cond *Condition
}

// When gates execution on a pure condition.
func When(c *Condition) Trigger { return &condTrigger{cond: c} }

func (t *condTrigger) Name() string { return "when(" + t.cond.String() + ")" }

func (t *condTrigger) Accept(f *Firing) (bool, error) {
	return t.cond.EvalSafe(f.Event)
}

// ---- Cooldown: per-key re-entry window ----

type cooldownTrigger struct {
	window time.Duration
	keyFn  func(Event) string
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// Cooldown rejects a firing when the previous accepted firing for the
// same (handler, correlation key) happened less than window ago. A
// rejected firing does not refresh the window. keyFn may be nil for a
// single handler-wide window.
func Cooldown(window time.Duration, keyFn func(Event) string) Trigger {
	return &cooldownTrigger{
		window: window,
		keyFn:  keyFn,
		now:    time.Now,
		last:   map[string]time.Time{},
	}
}

func (t *cooldownTrigger) Name() string {
	return fmt.Sprintf("cooldown(%s)", t.window)
}

func (t *cooldownTrigger) Accept(f *Firing) (bool, error) {
	key := f.Handler
	if t.keyFn != nil {
		key += "\x00" + t.keyFn(f.Event)
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.window {
		return false, nil
	}
	t.last[key] = now
	return true, nil
}

// ---- Command: leading-token match ----

type commandTrigger struct {
	prefix string
}

// Command accepts iff the leading whitespace-delimited token of the
// event's text payload equals prefix (case-sensitive). The remaining
// tokens are exposed as Firing.Args for the handler.
func Command(prefix string) Trigger { return &commandTrigger{prefix: prefix} }

func (t *commandTrigger) Name() string { return "command(" + t.prefix + ")" }

func (t *commandTrigger) Accept(f *Firing) (bool, error) {
	fields := strings.Fields(f.Event.Text())
	if len(fields) == 0 || fields[0] != t.prefix {
		return false, nil
	}
	f.Args = fields[1:]
	return true, nil
}
