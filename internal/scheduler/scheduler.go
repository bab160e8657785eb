package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"loom/internal/event"
	"loom/pkg/logx"
)

// EmitFunc forwards a synthetic event into the bus. The bus's bounded-wait
// dispatch means a task is never fired again while its previous firing is
// still being processed.
type EmitFunc func(ctx context.Context, e event.Event)

// Service converts time and file-state changes into events. All tasks live
// in one priority ordering keyed by next fire time; a single loop wakes at
// the earliest due time.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	emit EmitFunc
	loc  *time.Location

	parser cron.Parser
	tasks  map[string]*task
	heap   taskHeap

	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	done    chan struct{}

	hmu     sync.Mutex
	history []FireRecord
}

func New(cfg Config, emit EmitFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s := &Service{
		log:    log,
		cfg:    cfg,
		emit:   emit,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tasks:  map[string]*task{},
		wake:   make(chan struct{}, 1),
	}
	s.loc = loadLocation(cfg.Timezone, log)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// AddInterval schedules a task firing every fixed duration. If a firing is
// delayed past the next boundary, missed boundaries are skipped rather
// than burst-fired.
func (s *Service) AddInterval(name string, every time.Duration) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("scheduler: interval %q: duration must be > 0", name)
	}
	t := &task{
		id:    "interval:" + uuid.NewString(),
		name:  name,
		kind:  KindInterval,
		every: every,
		next:  time.Now().Add(every),
	}
	s.add(t)
	return t.id, nil
}

// AddCron schedules a task by a standard 5-field cron expression
// (minute hour dom month dow). Malformed expressions are rejected here,
// before the task is ever scheduled.
func (s *Service) AddCron(name, spec string) (string, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("scheduler: cron %q: %w", name, err)
	}
	t := &task{
		id:    "cron:" + uuid.NewString(),
		name:  name,
		kind:  KindCron,
		spec:  spec,
		sched: sched,
		next:  sched.Next(time.Now().In(s.loc)),
	}
	s.add(t)
	return t.id, nil
}

// AddWatch polls probe every poll interval and fires a change event when
// the observed state differs from the previous observation. The first
// poll only establishes the baseline and never fires.
func (s *Service) AddWatch(name string, probe Probe, poll time.Duration) (string, error) {
	if probe == nil {
		return "", fmt.Errorf("scheduler: watch %q: nil probe", name)
	}
	if poll <= 0 {
		return "", fmt.Errorf("scheduler: watch %q: poll interval must be > 0", name)
	}
	t := &task{
		id:    "watch:" + uuid.NewString(),
		name:  name,
		kind:  KindWatch,
		every: poll,
		probe: probe,
		next:  time.Now().Add(poll),
	}
	s.add(t)
	return t.id, nil
}

// AddAt schedules a one-shot firing at the given instant; the task is
// removed after it fires.
func (s *Service) AddAt(name string, at time.Time) (string, error) {
	if at.IsZero() {
		return "", fmt.Errorf("scheduler: once %q: zero time", name)
	}
	t := &task{
		id:   "once:" + uuid.NewString(),
		name: name,
		kind: KindOnce,
		next: at,
	}
	s.add(t)
	return t.id, nil
}

func (s *Service) add(t *task) {
	s.mu.Lock()
	s.tasks[t.id] = t
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.kick()
	s.log.Debug("task scheduled",
		logx.String("task", t.name),
		logx.String("kind", string(t.kind)),
		logx.Time("next", t.next))
}

// Cancel removes a task. Once Cancel returns the task never fires again;
// a firing already dispatched is not retracted.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		heap.Remove(&s.heap, t.index)
	}
	s.mu.Unlock()
	if ok {
		s.kick()
		s.log.Debug("task cancelled", logx.String("task", t.name))
	}
	return ok
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the scheduling loop. It is a no-op if already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop halts the loop. When it returns, no further events will be emitted,
// even for tasks whose due time has already passed.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info("scheduler stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		var due *task
		wait := time.Duration(-1)
		if len(s.heap) > 0 {
			t := s.heap[0]
			now := time.Now()
			if !t.next.After(now) {
				due = t
			} else {
				wait = t.next.Sub(now)
			}
		}
		s.mu.Unlock()

		if due != nil {
			s.fire(ctx, due)
			continue
		}

		if wait < 0 {
			// Nothing scheduled; sleep until something changes.
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// fire advances the task's next fire time (strictly monotonic) and emits
// the synthetic event. Emission happens outside the scheduler lock; the
// loop is single-threaded so firings of one task never overlap.
func (s *Service) fire(ctx context.Context, t *task) {
	now := time.Now()

	s.mu.Lock()
	if _, live := s.tasks[t.id]; !live {
		s.mu.Unlock()
		return
	}
	t.fires++
	fires := t.fires
	switch t.kind {
	case KindOnce:
		delete(s.tasks, t.id)
		heap.Remove(&s.heap, t.index)
	case KindCron:
		t.next = t.sched.Next(now.In(s.loc))
		heap.Fix(&s.heap, t.index)
	default:
		t.next = nextBoundary(t.next, now, t.every)
		heap.Fix(&s.heap, t.index)
	}
	s.mu.Unlock()

	start := time.Now()
	var fireErr error
	switch t.kind {
	case KindWatch:
		fireErr = s.fireWatch(ctx, t, fires)
	case KindCron:
		s.emit(ctx, event.New(event.TypeCron, map[string]any{
			"task":  t.name,
			"spec":  t.spec,
			"count": fires,
		}).WithSource("scheduler"))
	case KindOnce:
		s.emit(ctx, event.New(event.TypeOnce, map[string]any{
			"task": t.name,
		}).WithSource("scheduler"))
	default:
		s.emit(ctx, event.New(event.TypeInterval, map[string]any{
			"task":  t.name,
			"every": t.every.String(),
			"count": fires,
		}).WithSource("scheduler"))
	}

	s.record(t, start, fireErr)
}

// fireWatch polls the probe. The first observation seeds the baseline and
// never fires; later observations fire once per delta.
func (s *Service) fireWatch(ctx context.Context, t *task, fires int) error {
	state, err := safeProbe(ctx, t.probe)
	if err != nil {
		s.log.Warn("watch probe failed", logx.String("task", t.name), logx.Err(err))
		return err
	}

	s.mu.Lock()
	seeded := t.seeded
	prev := t.lastState
	t.lastState = state
	t.seeded = true
	s.mu.Unlock()

	if !seeded || prev == state {
		return nil
	}
	s.emit(ctx, event.New(event.TypeWatch, map[string]any{
		"task":     t.name,
		"previous": prev,
		"current":  state,
		"count":    fires,
	}).WithSource("scheduler"))
	return nil
}

func safeProbe(ctx context.Context, p Probe) (state string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p(ctx)
}

// nextBoundary returns the first prev+k*every strictly after now. Missed
// boundaries are skipped so a delayed firing never bursts to catch up.
func nextBoundary(prev, now time.Time, every time.Duration) time.Time {
	next := prev.Add(every)
	if next.After(now) {
		return next
	}
	missed := now.Sub(prev) / every
	next = prev.Add((missed + 1) * every)
	for !next.After(now) {
		next = next.Add(every)
	}
	return next
}

func (s *Service) record(t *task, start time.Time, err error) {
	rec := FireRecord{
		ID:       t.id,
		Name:     t.name,
		Kind:     t.kind,
		Started:  start,
		Duration: time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

var errNotFound = errors.New("scheduler: task not found")

// NextFire reports the next computed fire time of a task.
func (s *Service) NextFire(id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return time.Time{}, errNotFound
	}
	return t.next, nil
}
