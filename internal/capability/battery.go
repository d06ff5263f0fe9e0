package capability

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrBatteryUnsupported reports that the device exposes no battery. Callers
// treat it as "no reading", not a failure.
var ErrBatteryUnsupported = errors.New("capability: battery not supported")

// BatteryReading is one sample from a BatterySource.
type BatteryReading struct {
	Level    float64 // 0..1
	Charging bool
}

// BatterySource produces battery samples. The default implementation reads
// Linux sysfs; tests inject a fake.
type BatterySource interface {
	Read() (BatteryReading, error)
}

// sysfsPowerSupplyDir is where the Linux kernel exposes power supplies.
const sysfsPowerSupplyDir = "/sys/class/power_supply"

// SysfsBattery reads battery state from /sys/class/power_supply. Desktop
// machines without a BAT* entry report ErrBatteryUnsupported.
type SysfsBattery struct {
	dir string // overridable for tests
}

// NewSysfsBattery creates the default Linux battery source.
func NewSysfsBattery() *SysfsBattery {
	return &SysfsBattery{dir: sysfsPowerSupplyDir}
}

// Read implements BatterySource.
func (b *SysfsBattery) Read() (BatteryReading, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return BatteryReading{}, ErrBatteryUnsupported
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "BAT") {
			continue
		}

		return b.readBattery(filepath.Join(b.dir, entry.Name()))
	}

	return BatteryReading{}, ErrBatteryUnsupported
}

// readBattery parses a single BAT* directory.
func (b *SysfsBattery) readBattery(dir string) (BatteryReading, error) {
	capRaw, err := os.ReadFile(filepath.Join(dir, "capacity"))
	if err != nil {
		return BatteryReading{}, ErrBatteryUnsupported
	}

	percent, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
	if err != nil {
		return BatteryReading{}, ErrBatteryUnsupported
	}

	reading := BatteryReading{Level: float64(percent) / 100}

	statusRaw, err := os.ReadFile(filepath.Join(dir, "status"))
	if err == nil {
		status := strings.TrimSpace(string(statusRaw))
		reading.Charging = status == "Charging" || status == "Full"
	}

	return reading, nil
}
