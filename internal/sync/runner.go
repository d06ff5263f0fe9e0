package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/karelmaki/fotosync/internal/connectivity"
	"github.com/karelmaki/fotosync/internal/events"
)

// Run drives the engine continuously until ctx is canceled: it fires a sync
// on every offline-to-online transition, republishes connectivity changes on
// the event bus, and, when a poll interval is configured, syncs on a timer
// as well. An initial pass runs immediately so a queue built up while the
// process was stopped drains without waiting for a trigger.
func (e *Engine) Run(ctx context.Context) {
	trigger := make(chan struct{}, 1)

	prevOnline := e.conn.Online()

	cancel := e.conn.Subscribe(func(s connectivity.Status) {
		e.bus.Publish(events.Event{Kind: events.KindConnectivityChanged, Payload: s})

		if s.Online && !prevOnline {
			select {
			case trigger <- struct{}{}:
			default: // a sync is already queued up
			}
		}

		prevOnline = s.Online
	})
	defer cancel()

	var tick <-chan time.Time

	if e.pollInterval > 0 {
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.RunSync(ctx)

	for {
		select {
		case <-trigger:
			e.logger.Info("back online, draining queue")
			e.RunSync(ctx)
		case <-tick:
			e.RunSync(ctx)
		case <-ctx.Done():
			e.logger.Debug("sync runner stopped", slog.String("reason", ctx.Err().Error()))
			return
		}
	}
}
