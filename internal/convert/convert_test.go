package convert

import (
	"math"
	"testing"
)

func TestClassifyAirQuality(t *testing.T) {
	tests := []struct {
		index float64
		want  AirQuality
	}{
		{0, AirQualityExcellent},
		{12, AirQualityExcellent},
		{49.9, AirQualityExcellent},
		{50, AirQualityGood},
		{99, AirQualityGood},
		{100, AirQualityFair},
		{149, AirQualityFair},
		{150, AirQualityInferior},
		{199, AirQualityInferior},
		{200, AirQualityPoor},
		{999, AirQualityPoor},
	}
	for _, tt := range tests {
		if got := ClassifyAirQuality(tt.index); got != tt.want {
			t.Errorf("ClassifyAirQuality(%v) = %v, want %v", tt.index, got, tt.want)
		}
	}
}

func TestClassifyAirQualityNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := ClassifyAirQuality(v); got != AirQualityUnknown {
			t.Errorf("ClassifyAirQuality(%v) = %v, want unknown", v, got)
		}
	}
}

func TestClassifyAirQualityMonotonic(t *testing.T) {
	prev := ClassifyAirQuality(0)
	for v := 0.0; v <= 500; v += 0.5 {
		got := ClassifyAirQuality(v)
		if got == AirQualityUnknown {
			t.Fatalf("ClassifyAirQuality(%v) = unknown, want a band", v)
		}
		if got < prev {
			t.Fatalf("band decreased from %v to %v at index %v", prev, got, v)
		}
		prev = got
	}
}

func TestFavoriteLevelToPercent(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{-1, 0},
		{0, 0},
		{1, 7},
		{8, 50},
		{15, 94},
		{16, 100},
		{17, 100},
	}
	for _, tt := range tests {
		if got := FavoriteLevelToPercent(tt.level); got != tt.want {
			t.Errorf("FavoriteLevelToPercent(%d) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestPercentToFavoriteLevel(t *testing.T) {
	tests := []struct {
		percent float64
		want    int
	}{
		{0, 0},
		{1, 1},
		{6.25, 1},
		{50, 8},
		{51, 9},
		{100, 16},
		{150, 16},
		{-5, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := PercentToFavoriteLevel(tt.percent); got != tt.want {
			t.Errorf("PercentToFavoriteLevel(%v) = %d, want %d", tt.percent, got, tt.want)
		}
	}
}

func TestPercentRoundTripWithinOneLevel(t *testing.T) {
	for p := 0; p <= 100; p++ {
		back := FavoriteLevelToPercent(PercentToFavoriteLevel(float64(p)))
		if diff := math.Abs(float64(back - p)); diff > percentPerLevel {
			t.Errorf("percent %d -> level -> %d differs by %v", p, back, diff)
		}
	}
}

func TestModeDerivedStates(t *testing.T) {
	tests := []struct {
		mode    string
		active  bool
		target  TargetState
		current CurrentState
	}{
		{ModeIdle, false, TargetAuto, CurrentInactive},
		{ModeAuto, true, TargetAuto, CurrentPurifying},
		{ModeSilent, true, TargetAuto, CurrentPurifying},
		{ModeFavorite, true, TargetManual, CurrentPurifying},
		{"", false, TargetAuto, CurrentInactive},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			// Called twice to check the derivations depend on the mode alone.
			for i := 0; i < 2; i++ {
				if got := ModeToActive(tt.mode); got != tt.active {
					t.Errorf("ModeToActive = %v, want %v", got, tt.active)
				}
				if got := ModeToTargetState(tt.mode); got != tt.target {
					t.Errorf("ModeToTargetState = %v, want %v", got, tt.target)
				}
				if got := ModeToCurrentState(tt.mode); got != tt.current {
					t.Errorf("ModeToCurrentState = %v, want %v", got, tt.current)
				}
			}
		})
	}
}

func TestTargetStateToMode(t *testing.T) {
	if got := TargetStateToMode(TargetAuto); got != ModeAuto {
		t.Errorf("TargetStateToMode(auto) = %q", got)
	}
	if got := TargetStateToMode(TargetManual); got != ModeFavorite {
		t.Errorf("TargetStateToMode(manual) = %q", got)
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in      any
		want    bool
		wantErr bool
	}{
		{true, true, false},
		{false, false, false},
		{"on", true, false},
		{"OFF", false, false},
		{"LOCK", true, false},
		{1, true, false},
		{0.0, false, false},
		{"maybe", false, true},
		{nil, false, true},
	}
	for _, tt := range tests {
		got, err := ParseOnOff(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOnOff(%v) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOnOff(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoundTenth(t *testing.T) {
	if got := RoundTenth(22.54); got != 22.5 {
		t.Errorf("RoundTenth(22.54) = %v", got)
	}
	if got := RoundTenth(-3.06); got != -3.1 {
		t.Errorf("RoundTenth(-3.06) = %v", got)
	}
}
