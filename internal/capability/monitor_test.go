package capability

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeBattery returns a fixed reading, or ErrBatteryUnsupported when
// unsupported is set.
type fakeBattery struct {
	level       float64
	charging    bool
	unsupported bool
}

func (f *fakeBattery) Read() (BatteryReading, error) {
	if f.unsupported {
		return BatteryReading{}, ErrBatteryUnsupported
	}

	return BatteryReading{Level: f.level, Charging: f.charging}, nil
}

func TestComputeLevel(t *testing.T) {
	t.Parallel()

	floatPtr := func(v float64) *float64 { return &v }
	boolPtr := func(v bool) *bool { return &v }

	tests := []struct {
		name     string
		level    *float64
		charging *bool
		want     OptimizationLevel
	}{
		{"no battery api yields safe default", nil, nil, LevelMedium},
		{"charging yields low", floatPtr(0.10), boolPtr(true), LevelLow},
		{"critical battery yields high", floatPtr(0.15), boolPtr(false), LevelHigh},
		{"exactly 20 percent yields high", floatPtr(0.20), boolPtr(false), LevelHigh},
		{"half battery yields medium", floatPtr(0.50), boolPtr(false), LevelMedium},
		{"full battery yields low", floatPtr(0.95), boolPtr(false), LevelLow},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := computeLevel(tt.level, tt.charging); got != tt.want {
				t.Errorf("computeLevel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitor_LowBatteryResolvesToHigh(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeBattery{level: 0.15}, testLogger(t), WithCPUCores(8))

	got := m.Current()

	if got.Level != LevelHigh {
		t.Fatalf("level = %v, want %v", got.Level, LevelHigh)
	}

	if got.BatteryLevel == nil || *got.BatteryLevel != 0.15 {
		t.Errorf("battery level = %v, want 0.15", got.BatteryLevel)
	}
}

func TestMonitor_UnsupportedBatteryDefaultsToMedium(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeBattery{unsupported: true}, testLogger(t), WithCPUCores(8))

	got := m.Current()

	if got.Level != LevelMedium {
		t.Fatalf("level = %v, want %v", got.Level, LevelMedium)
	}

	if got.BatteryLevel != nil {
		t.Error("expected nil battery level for unsupported source")
	}
}

func TestMonitor_LowPowerDeviceDetection(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeBattery{level: 0.9}, testLogger(t), WithCPUCores(2))

	if !m.Current().LowPowerDevice {
		t.Error("2-core device should be flagged low-power")
	}
}

func TestMonitor_OverrideWinsUntilCleared(t *testing.T) {
	t.Parallel()

	battery := &fakeBattery{level: 0.9} // computes to Low
	m := NewMonitor(battery, testLogger(t), WithCPUCores(8))

	m.Override(LevelNone)

	if got := m.Current().Level; got != LevelNone {
		t.Fatalf("level after override = %v, want %v", got, LevelNone)
	}

	// Recompute must not displace the override.
	battery.level = 0.10
	m.Refresh()

	if got := m.Current().Level; got != LevelNone {
		t.Fatalf("level after refresh with override = %v, want %v", got, LevelNone)
	}

	m.ClearOverride()
	m.Refresh()

	if got := m.Current().Level; got != LevelHigh {
		t.Fatalf("level after clearing override = %v, want %v", got, LevelHigh)
	}
}

func TestMonitor_RefreshNotifiesOnChangeOnly(t *testing.T) {
	t.Parallel()

	battery := &fakeBattery{level: 0.9}
	m := NewMonitor(battery, testLogger(t), WithCPUCores(8))

	notifications := 0
	m.Subscribe(func(Capability) { notifications++ })

	m.Refresh() // same reading, no change
	if notifications != 0 {
		t.Fatalf("notifications after no-op refresh = %d, want 0", notifications)
	}

	battery.level = 0.10
	m.Refresh()

	if notifications != 1 {
		t.Fatalf("notifications after level change = %d, want 1", notifications)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"none", "low", "medium", "high"} {
		level, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}

		if level.String() != s {
			t.Errorf("round trip %q -> %q", s, level.String())
		}
	}

	if _, err := ParseLevel("turbo"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSysfsBattery_ReadsCapacityAndStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	batDir := filepath.Join(dir, "BAT0")

	if err := os.MkdirAll(batDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(batDir, "capacity"), []byte("42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(batDir, "status"), []byte("Charging\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := &SysfsBattery{dir: dir}

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.Level != 0.42 {
		t.Errorf("level = %v, want 0.42", got.Level)
	}

	if !got.Charging {
		t.Error("expected charging")
	}
}

func TestSysfsBattery_Unsupported(t *testing.T) {
	t.Parallel()

	b := &SysfsBattery{dir: t.TempDir()}

	if _, err := b.Read(); err != ErrBatteryUnsupported {
		t.Fatalf("err = %v, want ErrBatteryUnsupported", err)
	}
}
