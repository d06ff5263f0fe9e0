// Package throttle maps the device optimization level to concrete resource
// limits for uploads and generation requests. Everything here is a pure
// table lookup: no state, no error conditions.
package throttle

import "github.com/karelmaki/fotosync/internal/capability"

// Byte size units for the upload limits table.
const (
	mib = 1 << 20
)

// UploadSettings bound outbound photo uploads.
type UploadSettings struct {
	MaxConcurrent int
	Compress      bool
	MaxBytes      int64 // per-photo size ceiling after compression
}

// GenerationSettings bound image generation requests.
type GenerationSettings struct {
	MaxConcurrent  int
	InferenceSteps int
	LowMemoryMode  bool
}

// UploadSettingsFor returns the upload limits for an optimization level.
// The switch is exhaustive over the closed enum; adding a level without a
// row here is a compile-visible change.
func UploadSettingsFor(level capability.OptimizationLevel) UploadSettings {
	switch level {
	case capability.LevelNone:
		return UploadSettings{MaxConcurrent: 4, Compress: false, MaxBytes: 10 * mib}
	case capability.LevelLow:
		return UploadSettings{MaxConcurrent: 3, Compress: false, MaxBytes: 8 * mib}
	case capability.LevelMedium:
		return UploadSettings{MaxConcurrent: 2, Compress: true, MaxBytes: 4 * mib}
	case capability.LevelHigh:
		return UploadSettings{MaxConcurrent: 1, Compress: true, MaxBytes: 2 * mib}
	default:
		// Unreachable for the closed enum; fall back to the safe default.
		return UploadSettings{MaxConcurrent: 2, Compress: true, MaxBytes: 4 * mib}
	}
}

// GenerationSettingsFor returns the generation limits for an optimization
// level.
func GenerationSettingsFor(level capability.OptimizationLevel) GenerationSettings {
	switch level {
	case capability.LevelNone:
		return GenerationSettings{MaxConcurrent: 2, InferenceSteps: 50, LowMemoryMode: false}
	case capability.LevelLow:
		return GenerationSettings{MaxConcurrent: 2, InferenceSteps: 40, LowMemoryMode: false}
	case capability.LevelMedium:
		return GenerationSettings{MaxConcurrent: 1, InferenceSteps: 30, LowMemoryMode: true}
	case capability.LevelHigh:
		return GenerationSettings{MaxConcurrent: 1, InferenceSteps: 20, LowMemoryMode: true}
	default:
		return GenerationSettings{MaxConcurrent: 1, InferenceSteps: 30, LowMemoryMode: true}
	}
}

// Throttler answers settings queries against a live capability monitor, so
// callers always see limits for the current optimization level.
type Throttler struct {
	monitor *capability.Monitor
}

// New creates a Throttler bound to the monitor.
func New(monitor *capability.Monitor) *Throttler {
	return &Throttler{monitor: monitor}
}

// UploadSettings returns limits for the current level.
func (t *Throttler) UploadSettings() UploadSettings {
	return UploadSettingsFor(t.monitor.Current().Level)
}

// GenerationSettings returns limits for the current level.
func (t *Throttler) GenerationSettings() GenerationSettings {
	return GenerationSettingsFor(t.monitor.Current().Level)
}
