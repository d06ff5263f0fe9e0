package capability

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// defaultRecomputeInterval is how often the monitor re-reads the battery.
const defaultRecomputeInterval = 30 * time.Second

// Monitor computes the current Capability and notifies subscribers when it
// changes. A session-only user override takes precedence over the computed
// level until explicitly cleared; it is never written anywhere durable.
type Monitor struct {
	battery  BatterySource
	cores    int
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	current  Capability
	override *OptimizationLevel
	nextID   int
	subs     map[int]func(Capability)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRecomputeInterval overrides the recompute ticker interval.
func WithRecomputeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCPUCores overrides the detected core count (tests).
func WithCPUCores(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.cores = n
		}
	}
}

// NewMonitor creates a Monitor and computes an initial capability
// synchronously so Current never returns a zero value.
func NewMonitor(battery BatterySource, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		battery:  battery,
		cores:    runtime.NumCPU(),
		interval: defaultRecomputeInterval,
		logger:   logger,
		subs:     make(map[int]func(Capability)),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.current = m.compute()

	return m
}

// Current returns the latest capability snapshot, with any session
// override already applied to Level.
func (m *Monitor) Current() Capability {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.applyOverride(m.current)
}

// Override forces the optimization level for the rest of the session.
// It wins over every recompute until ClearOverride is called.
func (m *Monitor) Override(level OptimizationLevel) {
	m.mu.Lock()
	m.override = &level
	snap := m.applyOverride(m.current)
	fns := m.snapshotSubs()
	m.mu.Unlock()

	m.logger.Info("optimization level overridden", slog.String("level", level.String()))

	for _, fn := range fns {
		fn(snap)
	}
}

// ClearOverride removes the session override; the computed level applies
// again from the next notification on.
func (m *Monitor) ClearOverride() {
	m.mu.Lock()
	m.override = nil
	snap := m.current
	fns := m.snapshotSubs()
	m.mu.Unlock()

	m.logger.Info("optimization level override cleared", slog.String("level", snap.Level.String()))

	for _, fn := range fns {
		fn(snap)
	}
}

// Subscribe registers a callback invoked on every capability change and
// returns a cancel function.
func (m *Monitor) Subscribe(fn func(Capability)) (cancel func()) {
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

// Refresh recomputes the capability immediately and notifies subscribers
// if the effective snapshot changed.
func (m *Monitor) Refresh() Capability {
	next := m.compute()

	m.mu.Lock()

	prevEffective := m.applyOverride(m.current)
	m.current = next
	effective := m.applyOverride(next)

	if equalCapability(prevEffective, effective) {
		m.mu.Unlock()
		return effective
	}

	fns := m.snapshotSubs()
	m.mu.Unlock()

	m.logger.Info("device capability changed",
		slog.String("level", effective.Level.String()),
		slog.Int("cpu_cores", effective.CPUCores),
		slog.Bool("low_power", effective.LowPowerDevice),
	)

	for _, fn := range fns {
		fn(effective)
	}

	return effective
}

// Start runs the recompute loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-ctx.Done():
			m.logger.Debug("capability monitor stopped")
			return
		}
	}
}

// compute builds a fresh Capability from the battery source and core count.
func (m *Monitor) compute() Capability {
	snap := Capability{
		CPUCores:       m.cores,
		LowPowerDevice: m.cores <= lowPowerCoreThreshold,
	}

	if m.battery != nil {
		reading, err := m.battery.Read()
		if err == nil {
			level := reading.Level
			charging := reading.Charging
			snap.BatteryLevel = &level
			snap.Charging = &charging
		}
	}

	snap.Level = computeLevel(snap.BatteryLevel, snap.Charging)

	return snap
}

// applyOverride returns c with the session override applied, if any.
// Callers must hold m.mu.
func (m *Monitor) applyOverride(c Capability) Capability {
	if m.override != nil {
		c.Level = *m.override
	}

	return c
}

// snapshotSubs copies the subscriber list. Callers must hold m.mu.
func (m *Monitor) snapshotSubs() []func(Capability) {
	fns := make([]func(Capability), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}

	return fns
}

// equalCapability compares two snapshots field by field; pointer fields
// compare by value.
func equalCapability(a, b Capability) bool {
	if a.Level != b.Level || a.CPUCores != b.CPUCores || a.LowPowerDevice != b.LowPowerDevice {
		return false
	}

	if (a.BatteryLevel == nil) != (b.BatteryLevel == nil) {
		return false
	}

	if a.BatteryLevel != nil && *a.BatteryLevel != *b.BatteryLevel {
		return false
	}

	if (a.Charging == nil) != (b.Charging == nil) {
		return false
	}

	if a.Charging != nil && *a.Charging != *b.Charging {
		return false
	}

	return true
}
