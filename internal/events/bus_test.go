package events

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBus_PublishDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger(t))

	var order []string

	bus.Subscribe(func(Event) { order = append(order, "first") })
	bus.Subscribe(func(Event) { order = append(order, "second") })

	bus.Publish(Event{Kind: KindSyncStarted})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v, want [first second]", order)
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger(t))

	calls := 0
	cancel := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Event{Kind: KindMutationQueued})
	cancel()
	cancel() // idempotent
	bus.Publish(Event{Kind: KindMutationQueued})

	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestBus_PublishWithNoSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger(t))

	// Must not panic or block.
	bus.Publish(Event{Kind: KindSyncFinished})
}
