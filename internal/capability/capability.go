// Package capability derives a coarse optimization level from device power
// and hardware signals. The level drives how aggressively uploads and
// generation requests are throttled: High means maximum resource savings,
// None means no savings at all and is only reachable through an explicit
// user override.
package capability

import "fmt"

// OptimizationLevel is a closed enum; switches over it must be exhaustive
// so a new level is a compile-time-visible change.
type OptimizationLevel int

// Optimization levels, least to most aggressive.
const (
	LevelNone OptimizationLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// String implements fmt.Stringer.
func (l OptimizationLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return fmt.Sprintf("OptimizationLevel(%d)", int(l))
	}
}

// ParseLevel converts a user-supplied string to an OptimizationLevel.
func ParseLevel(s string) (OptimizationLevel, error) {
	switch s {
	case "none":
		return LevelNone, nil
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	default:
		return LevelNone, fmt.Errorf("capability: unknown optimization level %q", s)
	}
}

// Capability is the current device snapshot. Derived fresh on every
// recompute; never persisted across runs.
type Capability struct {
	BatteryLevel   *float64 // 0..1, nil when the battery source is unsupported
	Charging       *bool    // nil when unknown
	CPUCores       int
	LowPowerDevice bool
	Level          OptimizationLevel
}

// lowPowerCoreThreshold marks devices with this many cores or fewer as
// low-power.
const lowPowerCoreThreshold = 2

// Battery thresholds for level computation.
const (
	batteryHighSavings   = 0.20
	batteryMediumSavings = 0.50
)

// computeLevel maps battery state to an optimization level. A missing
// battery reading yields Medium as the safe default; charging devices get
// Low because wall power makes savings pointless.
func computeLevel(level *float64, charging *bool) OptimizationLevel {
	if level == nil {
		return LevelMedium
	}

	if charging != nil && *charging {
		return LevelLow
	}

	switch {
	case *level <= batteryHighSavings:
		return LevelHigh
	case *level <= batteryMediumSavings:
		return LevelMedium
	default:
		return LevelLow
	}
}
