// Package bus routes events to registered handlers. Selection and trigger
// evaluation are deterministic (registration order); selected handler
// bodies run concurrently and Emit waits for all of them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"loom/internal/container"
	"loom/internal/event"
	"loom/pkg/logx"
)

// TypeAny registers a handler for every event type.
const TypeAny = "*"

var (
	ErrClosed         = errors.New("bus closed")
	ErrUnknownHandler = errors.New("unknown registration")
)

// HandlerFunc is a handler body. It runs as its own unit of work; an error
// or panic is recorded in the emit result and never affects siblings.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// Invocation carries everything a handler body needs for one firing.
type Invocation struct {
	Event event.Event
	// Args holds tokens parsed by a command trigger, nil otherwise.
	Args []string
	// Deps maps the registration's required capability ids to resolved
	// instances.
	Deps Deps
}

// Deps is the resolved capability set for one invocation.
type Deps map[string]any

// Get returns a resolved capability, or nil when absent.
func (d Deps) Get(id string) any { return d[id] }

// Outcome is the per-handler result of one emit.
type Outcome struct {
	Handler string
	Err     error
}

// Result aggregates what one emit did. Emit never fails as a whole;
// per-handler errors live in Outcomes.
type Result struct {
	Event    event.Event
	Selected int
	Outcomes []Outcome
}

// Errs returns the non-nil handler errors.
func (r Result) Errs() []error {
	var out []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o.Err)
		}
	}
	return out
}

type registration struct {
	id       uuid.UUID
	order    int
	typ      string
	name     string
	fn       HandlerFunc
	triggers []event.Trigger
	deps     []string
}

// Registration is the handle returned by Register, identifying one handler
// by event type and registration order.
type Registration struct {
	ID    uuid.UUID
	Type  string
	Name  string
	order int
}

// Option customizes a registration.
type Option func(*registration)

// WithName attaches a human-readable handler name for logs and outcomes.
func WithName(name string) Option {
	return func(r *registration) { r.name = name }
}

// WithTriggers gates the handler behind triggers (AND semantics).
func WithTriggers(ts ...event.Trigger) Option {
	return func(r *registration) { r.triggers = append(r.triggers, ts...) }
}

// WithDependencies declares required capability ids, resolved from the
// container per invocation and validated at registration time.
func WithDependencies(ids ...string) Option {
	return func(r *registration) { r.deps = append(r.deps, ids...) }
}

// Bus is the central router. The handler registry is mutated only during
// mount/unmount; dispatch takes a read-locked snapshot.
type Bus struct {
	log       logx.Logger
	container *container.Container

	mu        sync.RWMutex
	handlers  []*registration
	nextOrder int
	closed    bool

	subs   map[uint64]*subscriber
	subSeq uint64

	wg sync.WaitGroup // fire-and-forget dispatches
}

func New(c *container.Container, log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		log:       log,
		container: c,
		subs:      map[uint64]*subscriber{},
	}
}

// Register adds a handler for eventType (TypeAny matches everything).
// Required capabilities are checked against the container now, so a
// misconfigured handler fails at mount rather than at first dispatch.
func (b *Bus) Register(eventType string, fn HandlerFunc, opts ...Option) (Registration, error) {
	if fn == nil {
		return Registration{}, errors.New("bus: nil handler")
	}
	if eventType == "" {
		return Registration{}, errors.New("bus: empty event type")
	}

	reg := &registration{id: uuid.New(), typ: eventType, fn: fn}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.name == "" {
		reg.name = eventType + "#" + reg.id.String()[:8]
	}

	for _, dep := range reg.deps {
		if !b.container.Has(dep) {
			return Registration{}, fmt.Errorf("bus: handler %s requires %q: %w",
				reg.name, dep, container.ErrUnresolved)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Registration{}, ErrClosed
	}
	reg.order = b.nextOrder
	b.nextOrder++
	b.handlers = append(b.handlers, reg)

	b.log.Debug("handler registered",
		logx.String("handler", reg.name),
		logx.String("type", eventType),
		logx.Int("order", reg.order))

	return Registration{ID: reg.id, Type: eventType, Name: reg.name, order: reg.order}, nil
}

// Unregister removes a handler. Safe only during the mount/unmount phase.
func (b *Bus) Unregister(h Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.handlers {
		if reg.id == h.ID {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			b.log.Debug("handler unregistered", logx.String("handler", reg.name))
			return nil
		}
	}
	return ErrUnknownHandler
}

// Handlers reports the number of live registrations.
func (b *Bus) Handlers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Emit dispatches an event. Handlers are selected and trigger-evaluated in
// registration order; the selected bodies then run concurrently. Emit
// returns once every selected body completed or failed, so callers are
// naturally throttled by slow handlers.
func (b *Bus) Emit(ctx context.Context, e event.Event) Result {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Result{Event: e}
	}
	snapshot := make([]*registration, len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.RUnlock()

	b.fanout(e)

	// Selection pass: deterministic order, stateful triggers (cooldowns)
	// observe candidates exactly once per emit.
	type selected struct {
		reg  *registration
		args []string
	}
	var picked []selected
	for _, reg := range snapshot {
		if reg.typ != TypeAny && reg.typ != e.Type() {
			continue
		}
		firing := &event.Firing{Event: e, Handler: reg.name}
		ok, err := event.AcceptAll(reg.triggers, firing)
		if err != nil {
			// Evaluation error counts as a non-match; other handlers
			// are unaffected.
			b.log.Warn("trigger evaluation failed",
				logx.String("handler", reg.name),
				logx.String("type", e.Type()),
				logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		picked = append(picked, selected{reg: reg, args: firing.Args})
	}

	outcomes := make([]Outcome, len(picked))
	var wg sync.WaitGroup
	for i, sel := range picked {
		wg.Add(1)
		go func(i int, sel selected) {
			defer wg.Done()
			outcomes[i] = b.invoke(ctx, sel.reg, e, sel.args)
		}(i, sel)
	}
	wg.Wait()

	return Result{Event: e, Selected: len(picked), Outcomes: outcomes}
}

// Go dispatches without waiting for handler bodies: the documented
// opt-out of Emit's bounded wait for hot producers. Outcomes are only
// reported to the log.
func (b *Bus) Go(ctx context.Context, e event.Event) {
	// Add under the lock: once Close has flipped closed it may already be
	// waiting on wg, and an Add after that is WaitGroup misuse.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()
	go func() {
		defer b.wg.Done()
		res := b.Emit(ctx, e)
		for _, err := range res.Errs() {
			b.log.Warn("async dispatch handler failed",
				logx.String("type", e.Type()),
				logx.Err(err))
		}
	}()
}

// EmitType is the outward emission entrypoint (e.g. for an HTTP layer).
func (b *Bus) EmitType(ctx context.Context, typ string, payload map[string]any) Result {
	return b.Emit(ctx, event.New(typ, payload))
}

func (b *Bus) invoke(ctx context.Context, reg *registration, e event.Event, args []string) Outcome {
	deps, err := b.resolveDeps(reg)
	if err != nil {
		b.log.Error("dependency resolution failed",
			logx.String("handler", reg.name),
			logx.String("type", e.Type()),
			logx.Err(err))
		return Outcome{Handler: reg.name, Err: err}
	}

	err = safeCall(func() error {
		return reg.fn(ctx, Invocation{Event: e, Args: args, Deps: deps})
	})
	if err != nil {
		b.log.Error("handler failed",
			logx.String("handler", reg.name),
			logx.String("type", e.Type()),
			logx.Err(err))
	}
	return Outcome{Handler: reg.name, Err: err}
}

func (b *Bus) resolveDeps(reg *registration) (Deps, error) {
	if len(reg.deps) == 0 {
		return nil, nil
	}
	deps := make(Deps, len(reg.deps))
	for _, id := range reg.deps {
		v, err := b.container.Resolve(id)
		if err != nil {
			return nil, err
		}
		deps[id] = v
	}
	return deps, nil
}

// Close shuts the bus down: subscriptions terminate and further emits
// become no-ops. It waits for outstanding fire-and-forget dispatches.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*subscriber{}
	b.mu.Unlock()

	b.wg.Wait()
	for _, s := range subs {
		s.close()
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
