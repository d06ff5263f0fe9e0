// Package events provides a small typed publish/subscribe bus used to wire
// the sync engine, monitors, and job tracker to UI-level consumers without
// any of them holding references to each other.
package events

import (
	"log/slog"
	"slices"
	"sync"
)

// Kind identifies the event type carried by an Event.
type Kind string

// Event kinds published on the bus.
const (
	KindSyncStarted         Kind = "sync_started"
	KindSyncFinished        Kind = "sync_finished"
	KindMutationQueued      Kind = "mutation_queued"
	KindMutationApplied     Kind = "mutation_applied"
	KindMutationFailed      Kind = "mutation_failed"
	KindMutationDead        Kind = "mutation_dead"
	KindConnectivityChanged Kind = "connectivity_changed"
	KindCapabilityChanged   Kind = "capability_changed"
	KindJobStatusChanged    Kind = "job_status_changed"
)

// Event is a single occurrence delivered to all subscribers. Payload shapes
// are owned by the publishing package; consumers that need details assert on
// the concrete type.
type Event struct {
	Kind    Kind
	Payload any
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order, so they must not block.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subs:   make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for every published event and returns a
// cancel function. Cancel is idempotent and safe to call from a handler.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to all current subscribers in subscription order.
// Delivery is synchronous: Publish returns after every handler has run.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}

	// Subscription order == ascending id order.
	slices.Sort(ids)

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.Unlock()

	b.logger.Debug("publishing event", "kind", string(ev.Kind), "subscribers", len(handlers))

	for _, h := range handlers {
		h(ev)
	}
}
