package bus

import (
	"sync"

	"loom/internal/event"
)

// subscriber is an outward consumer of the event stream (e.g. a dashboard
// layer). Delivery is non-blocking: a slow subscriber drops events rather
// than stalling dispatch.
type subscriber struct {
	cond *event.Condition
	ch   chan event.Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe returns a lazy, infinite stream of events matching cond
// (nil matches everything). The stream ends when cancel is called or the
// bus shuts down.
func (b *Bus) Subscribe(cond *event.Condition, buffer int) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{cond: cond, ch: make(chan event.Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	b.subSeq++
	id := b.subSeq
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

func (b *Bus) fanout(e event.Event) {
	// Snapshot subscribers so fanout doesn't hold locks while sending.
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		ok, err := s.cond.EvalSafe(e)
		if err != nil || !ok {
			continue
		}
		// Non-blocking delivery. If the subscriber cancelled concurrently
		// and the channel closed, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}
