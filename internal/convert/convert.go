// Package convert maps the purifier's native value domains onto the
// accessory model: air-quality bands, the 0-16 favorite level scale and the
// mode-derived purifier states. Enum values match the HomeKit numbering so
// hosts can pass them through unchanged.
package convert

import (
	"fmt"
	"math"
	"strings"
)

// Device modes reported by the purifier.
const (
	ModeIdle     = "idle"
	ModeAuto     = "auto"
	ModeSilent   = "silent"
	ModeFavorite = "favorite"
)

// MaxFavoriteLevel is the top of the device's native fan scale.
const MaxFavoriteLevel = 16

// percentPerLevel is 100 / MaxFavoriteLevel.
const percentPerLevel = 6.25

// AirQuality is the five-level air quality band plus Unknown.
type AirQuality int

const (
	AirQualityUnknown AirQuality = iota
	AirQualityExcellent
	AirQualityGood
	AirQualityFair
	AirQualityInferior
	AirQualityPoor
)

func (q AirQuality) String() string {
	switch q {
	case AirQualityExcellent:
		return "excellent"
	case AirQualityGood:
		return "good"
	case AirQualityFair:
		return "fair"
	case AirQualityInferior:
		return "inferior"
	case AirQualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// airQualityBands is ordered highest threshold first; the first match wins.
var airQualityBands = []struct {
	min  float64
	band AirQuality
}{
	{200, AirQualityPoor},
	{150, AirQualityInferior},
	{100, AirQualityFair},
	{50, AirQualityGood},
}

// ClassifyAirQuality maps a PM2.5 air-quality index to its band. Any finite
// index, including 0, has a band; NaN and infinities are AirQualityUnknown.
func ClassifyAirQuality(index float64) AirQuality {
	if math.IsNaN(index) || math.IsInf(index, 0) {
		return AirQualityUnknown
	}
	for _, b := range airQualityBands {
		if index >= b.min {
			return b.band
		}
	}
	return AirQualityExcellent
}

// TargetState is the requested purifier mode as the accessory sees it.
type TargetState int

const (
	TargetManual TargetState = 0
	TargetAuto   TargetState = 1
)

func (t TargetState) String() string {
	if t == TargetManual {
		return "manual"
	}
	return "auto"
}

// CurrentState is the observed purifier activity.
type CurrentState int

const (
	CurrentInactive  CurrentState = 0
	CurrentIdle      CurrentState = 1
	CurrentPurifying CurrentState = 2
)

func (c CurrentState) String() string {
	switch c {
	case CurrentIdle:
		return "idle"
	case CurrentPurifying:
		return "purifying"
	default:
		return "inactive"
	}
}

// FavoriteLevelToPercent converts a 0-16 favorite level to a 0-100 percentage.
func FavoriteLevelToPercent(level int) int {
	p := int(math.Ceil(float64(level) * percentPerLevel))
	return clamp(p, 0, 100)
}

// PercentToFavoriteLevel converts a 0-100 percentage to a 0-16 favorite level.
// The mapping rounds up, so it is not an exact inverse of FavoriteLevelToPercent.
func PercentToFavoriteLevel(percent float64) int {
	if math.IsNaN(percent) {
		return 0
	}
	l := int(math.Ceil(percent / percentPerLevel))
	return clamp(l, 0, MaxFavoriteLevel)
}

// ModeToActive reports whether the purifier is running. The unknown mode ""
// counts as inactive.
func ModeToActive(mode string) bool {
	return mode != ModeIdle && mode != ""
}

// ModeToTargetState maps "favorite" to manual and everything else to auto.
func ModeToTargetState(mode string) TargetState {
	if mode == ModeFavorite {
		return TargetManual
	}
	return TargetAuto
}

// ModeToCurrentState maps idle (and unknown) to inactive, anything else to purifying.
func ModeToCurrentState(mode string) CurrentState {
	if ModeToActive(mode) {
		return CurrentPurifying
	}
	return CurrentInactive
}

// TargetStateToMode returns the device mode that realises a target state.
func TargetStateToMode(t TargetState) string {
	if t == TargetManual {
		return ModeFavorite
	}
	return ModeAuto
}

// OnOff renders a bool as the device's "on"/"off" argument.
func OnOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// ParseOnOff accepts the shapes devices and hosts use for switches:
// bool, "on"/"off"/"true"/"false" and numeric 1/0.
func ParseOnOff(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "on", "true", "1", "lock", "locked":
			return true, nil
		case "off", "false", "0", "unlock", "unlocked":
			return false, nil
		}
	default:
		if n, ok := ToFloat64(v); ok {
			return n != 0, nil
		}
	}
	return false, fmt.Errorf("not an on/off value: %v", v)
}

// RoundTenth rounds to one decimal place.
func RoundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// ToFloat64 converts the numeric types produced by JSON decoding, Lua and
// device transports into a float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
