package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/karelmaki/fotosync/internal/cache"
	"github.com/karelmaki/fotosync/internal/capability"
	"github.com/karelmaki/fotosync/internal/config"
	"github.com/karelmaki/fotosync/internal/connectivity"
	"github.com/karelmaki/fotosync/internal/events"
	"github.com/karelmaki/fotosync/internal/jobs"
	"github.com/karelmaki/fotosync/internal/notify"
	"github.com/karelmaki/fotosync/internal/queue"
	"github.com/karelmaki/fotosync/internal/remote"
	syncengine "github.com/karelmaki/fotosync/internal/sync"
	"github.com/karelmaki/fotosync/internal/throttle"
)

// app bundles the wired-up subsystems a command needs. Construction order
// matters only in that the engine takes everything else as dependencies.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Bus
	queue     *queue.Store
	cache     *cache.Store
	client    *remote.Client
	connMon   *connectivity.Monitor
	capMon    *capability.Monitor
	throttler *throttle.Throttler
	engine    *syncengine.Engine
	notifier  *notify.Notifier
	tracker   *jobs.Tracker
}

// newApp wires the full subsystem graph from the resolved config.
func newApp() (*app, error) {
	cfg := resolvedCfg
	logger := buildLogger()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	bus := events.NewBus(logger)

	q, err := queue.NewStore(cfg.QueueDBPath(), cfg.Sync.RetryCeiling, logger)
	if err != nil {
		return nil, err
	}

	c, err := cache.NewStore(cfg.CacheDBPath(), logger,
		cache.WithMaxDocuments(cfg.Cache.MaxDocuments),
		cache.WithFreshness(cfg.FreshnessDuration()),
	)
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	client := remote.NewClient(cfg.API.BaseURL, defaultHTTPClient(),
		remote.StaticTokenSource(cfg.API.Token), logger)

	connMon := connectivity.NewMonitor(
		connectivity.NewHTTPProber(cfg.API.BaseURL, nil), logger)

	capMon := capability.NewMonitor(capability.NewSysfsBattery(), logger)
	throttler := throttle.New(capMon)

	engine := syncengine.NewEngine(q, c, client, connMon, capMon, bus, logger,
		syncengine.WithPollInterval(cfg.PollIntervalDuration()))

	return &app{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		queue:     q,
		cache:     c,
		client:    client,
		connMon:   connMon,
		capMon:    capMon,
		throttler: throttler,
		engine:    engine,
		notifier:  notify.NewNotifier(bus, logger),
		tracker:   jobs.NewTracker(client, throttler, c, bus, logger),
	}, nil
}

// Close releases the durable stores.
func (a *app) Close() {
	a.notifier.Close()

	if err := a.cache.Close(); err != nil {
		a.logger.Error("closing cache", "error", err)
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Error("closing queue", "error", err)
	}
}

// flushNotifications prints any buffered user-facing messages. Short-lived
// commands call this once before rendering output instead of running the
// streaming loop.
func (a *app) flushNotifications() {
	for {
		select {
		case msg, ok := <-a.notifier.Messages():
			if !ok {
				return
			}

			statusf("%s\n", msg.Text)
		default:
			return
		}
	}
}

// printNotifications forwards user-facing messages to stderr until the
// notifier closes or ctx is canceled.
func (a *app) printNotifications(ctx context.Context) {
	for {
		select {
		case msg, ok := <-a.notifier.Messages():
			if !ok {
				return
			}

			statusf("%s\n", msg.Text)
		case <-ctx.Done():
			return
		}
	}
}
