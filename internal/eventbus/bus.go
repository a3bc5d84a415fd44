// Package eventbus carries pipeline signals (delivery attempts, cycle
// summaries, entity failures, credential refreshes) from the components that
// produce them to loggers, health reporting and tests.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the feed pipeline.
const (
	TypeDeliveryAttempt = "delivery.attempt"
	TypeCycleDone       = "monitor.cycle_done"
	TypeEntityFailed    = "monitor.entity_failed"
	TypeCredentialFresh = "credential.refreshed"
)

// Event is one signal. Data holds the typed payload of the producer
// (delivery.Attempt, monitor.CycleReport, monitor.EntityFailure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is a non-blocking fanout. A subscriber whose buffer is full misses
// the event; Dropped counts those misses.
type Bus interface {
	Publish(e Event)
	// Subscribe receives every event, or only the listed types when given.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// The write lock excludes Publish, so closing here is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}
