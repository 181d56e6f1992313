package device

import (
	"math"
	"slices"
	"strings"

	"purifier-go-home/internal/convert"
)

// Event is a decoded device property change. The set of implementations is
// closed; consumers switch over them and treat Unknown as ignorable.
type Event interface {
	isEvent()
}

type (
	ModeChanged          struct{ Mode string }
	PowerChanged         struct{ On bool }
	TemperatureChanged   struct{ Celsius float64 }
	HumidityChanged      struct{ Percent float64 }
	AirQualityChanged    struct{ Index float64 }
	FavoriteLevelChanged struct{ Level int }
	ChildLockChanged     struct{ Locked bool }
	LEDChanged           struct{ On bool }
	BuzzerChanged        struct{ On bool }

	// Unknown carries a key this bridge does not model, or a known key whose
	// value could not be decoded.
	Unknown struct {
		Key   string
		Value any
	}
)

func (ModeChanged) isEvent()          {}
func (PowerChanged) isEvent()         {}
func (TemperatureChanged) isEvent()   {}
func (HumidityChanged) isEvent()      {}
func (AirQualityChanged) isEvent()    {}
func (FavoriteLevelChanged) isEvent() {}
func (ChildLockChanged) isEvent()     {}
func (LEDChanged) isEvent()           {}
func (BuzzerChanged) isEvent()        {}
func (Unknown) isEvent()              {}

// DecodeEvent maps a wire key and value to an Event. Firmware variants use
// different spellings for the same property; all are accepted.
func DecodeEvent(key string, value any) Event {
	unknown := Unknown{Key: key, Value: value}
	switch key {
	case "mode":
		s, ok := value.(string)
		if !ok {
			return unknown
		}
		return ModeChanged{Mode: strings.ToLower(s)}
	case "power":
		on, err := convert.ParseOnOff(value)
		if err != nil {
			return unknown
		}
		return PowerChanged{On: on}
	case "temperature", "temp_dec":
		v, ok := number(value)
		if !ok {
			return unknown
		}
		if key == "temp_dec" {
			v /= 10
		}
		return TemperatureChanged{Celsius: convert.RoundTenth(v)}
	case "relativeHumidity", "humidity":
		v, ok := number(value)
		if !ok {
			return unknown
		}
		return HumidityChanged{Percent: v}
	case "pm2.5", "aqi":
		v, ok := number(value)
		if !ok || v < 0 {
			return unknown
		}
		return AirQualityChanged{Index: v}
	case "favoriteLevel", "favorite_level":
		v, ok := number(value)
		if !ok {
			return unknown
		}
		return FavoriteLevelChanged{Level: int(v)}
	case "childLock", "child_lock":
		on, err := convert.ParseOnOff(value)
		if err != nil {
			return unknown
		}
		return ChildLockChanged{Locked: on}
	case "led":
		on, err := convert.ParseOnOff(value)
		if err != nil {
			return unknown
		}
		return LEDChanged{On: on}
	case "buzzer":
		on, err := convert.ParseOnOff(value)
		if err != nil {
			return unknown
		}
		return BuzzerChanged{On: on}
	default:
		return unknown
	}
}

// DecodeState decodes a bulk state read. Keys are visited in sorted order so
// the result is deterministic.
func DecodeState(state map[string]any) []Event {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	events := make([]Event, 0, len(keys))
	for _, k := range keys {
		events = append(events, DecodeEvent(k, state[k]))
	}
	return events
}

// number unwraps plain numbers and the {"value": n} objects some transports
// use for measurements with units. Non-finite values are rejected.
func number(v any) (float64, bool) {
	if m, ok := v.(map[string]any); ok {
		v = m["value"]
	}
	n, ok := convert.ToFloat64(v)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
