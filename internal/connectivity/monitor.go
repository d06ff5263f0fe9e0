// Package connectivity tracks whether the device has a usable network path
// and how good that path is. It folds interface state and an HTTP
// reachability probe into a single Status that the sync engine and CLI
// subscribe to. Transitions are deduplicated: two consecutive identical
// statuses notify subscribers exactly once.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectionType classifies the active network interface.
type ConnectionType string

// Connection types reported in Status.
const (
	ConnectionWifi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
	ConnectionNone     ConnectionType = "none"
)

// EffectiveType is a coarse link-quality bucket, mirroring the buckets the
// mobile clients report. Empty when the probe cannot estimate quality.
type EffectiveType string

// Effective connection types, slowest first.
const (
	EffectiveSlow2G EffectiveType = "slow-2g"
	Effective2G     EffectiveType = "2g"
	Effective3G     EffectiveType = "3g"
	Effective4G     EffectiveType = "4g"
)

// slowDownlinkMbps is the downlink estimate below which a link counts as
// slow even when the effective type is unavailable.
const slowDownlinkMbps = 1.0

// Status is the current connectivity snapshot. Recomputed on every probe;
// never persisted.
type Status struct {
	Online         bool
	ConnectionType ConnectionType
	EffectiveType  EffectiveType // empty when unavailable
	DownlinkMbps   float64       // 0 when unavailable
	Slow           bool
}

// computeSlow derives the Slow flag from the quality signals. Missing
// signals degrade to "not slow" rather than guessing.
func computeSlow(effective EffectiveType, downlink float64) bool {
	if effective == EffectiveSlow2G || effective == Effective2G {
		return true
	}

	return downlink > 0 && downlink < slowDownlinkMbps
}

// Prober produces connectivity snapshots. The default implementation scans
// network interfaces and probes the API endpoint; tests inject a fake.
type Prober interface {
	Probe(ctx context.Context) Status
}

// defaultPollInterval is how often the monitor re-probes when running.
const defaultPollInterval = 15 * time.Second

// Monitor holds the last-known Status and notifies subscribers on
// transitions. Construct with NewMonitor, start the poll loop with Start,
// or drive it directly with SetStatus (tests, platform event bridges).
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	status  Status
	started bool
	nextID  int
	subs    map[int]func(Status)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides the probe interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMonitor creates a Monitor. The initial status is offline until the
// first probe or SetStatus call; callers that need an immediate reading
// should call Refresh before Start.
func NewMonitor(prober Prober, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		prober:   prober,
		interval: defaultPollInterval,
		logger:   logger,
		status:   Status{Online: false, ConnectionType: ConnectionNone},
		subs:     make(map[int]func(Status)),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Current returns the last-known status.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Online reports whether the last-known status is online.
func (m *Monitor) Online() bool {
	return m.Current().Online
}

// Subscribe registers a callback invoked on every status transition and
// returns a cancel function. The callback runs on the goroutine that
// observed the transition.
func (m *Monitor) Subscribe(fn func(Status)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetStatus records a new status and notifies subscribers if it differs
// from the previous one. Identical consecutive statuses are swallowed so a
// burst of duplicate platform events cannot trigger redundant syncs.
func (m *Monitor) SetStatus(s Status) {
	m.mu.Lock()

	if s == m.status {
		m.mu.Unlock()
		return
	}

	prev := m.status
	m.status = s

	fns := make([]func(Status), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		slog.Bool("online", s.Online),
		slog.String("type", string(s.ConnectionType)),
		slog.Bool("slow", s.Slow),
		slog.Bool("was_online", prev.Online),
	)

	for _, fn := range fns {
		fn(s)
	}
}

// Refresh runs one probe immediately and applies the result.
func (m *Monitor) Refresh(ctx context.Context) Status {
	s := m.prober.Probe(ctx)
	m.SetStatus(s)

	return s
}

// Start runs the poll loop until ctx is canceled. An initial probe fires
// immediately so subscribers see a real status without waiting a full
// interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Refresh(ctx)
		case <-ctx.Done():
			m.logger.Debug("connectivity monitor stopped")
			return
		}
	}
}
