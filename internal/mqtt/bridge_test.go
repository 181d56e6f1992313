//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
	"purifier-go-home/internal/mirror"
	"purifier-go-home/internal/simulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var allFeatures = mirror.Features{AirQuality: true, Temperature: true, Humidity: true, LED: true, Buzzer: true}

func newTestAccessory(t *testing.T, f mirror.Features) (*accessory.Accessory, *simulator.Purifier) {
	t.Helper()
	sim := simulator.New(testLogger())
	m := mirror.New(f, testLogger())
	s, err := device.Open(context.Background(), sim, device.Identity{Token: "t"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	m.Attach(context.Background(), s)
	acc := accessory.New(accessory.Config{
		Name:     "Living Room",
		Info:     accessory.Info{Manufacturer: "Xiaomi", Model: "Air Purifier 2", Firmware: "1.2.4"},
		Features: f,
	}, m, testLogger())
	return acc, sim
}

func TestDiscoveryFan(t *testing.T) {
	acc, _ := newTestAccessory(t, mirror.Features{})
	msgs := buildDiscovery(acc, "purifier2mqtt")
	if len(msgs) != 2 {
		t.Fatalf("got %d discovery messages, want 2 (fan, lock)", len(msgs))
	}

	if msgs[0].Topic != "homeassistant/fan/purifier_living_room/purifier/config" {
		t.Errorf("fan topic = %q", msgs[0].Topic)
	}
	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.StateTopic != "purifier2mqtt/living_room" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "purifier2mqtt/living_room/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "purifier2mqtt/living_room/availability" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if len(payload.PresetModes) != 2 || payload.PresetModes[0] != "auto" || payload.PresetModes[1] != "favorite" {
		t.Errorf("preset_modes = %v", payload.PresetModes)
	}
	if payload.Device.SWVersion != "1.2.4" || payload.Device.Model != "Air Purifier 2" {
		t.Errorf("device = %+v", payload.Device)
	}

	if msgs[1].Topic != "homeassistant/lock/purifier_living_room/child_lock/config" {
		t.Errorf("lock topic = %q", msgs[1].Topic)
	}
}

func TestDiscoveryFollowsFeatures(t *testing.T) {
	acc, _ := newTestAccessory(t, allFeatures)
	msgs := buildDiscovery(acc, "purifier2mqtt")

	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	for _, want := range []string{
		"homeassistant/sensor/purifier_living_room/pm25/config",
		"homeassistant/sensor/purifier_living_room/air_quality/config",
		"homeassistant/sensor/purifier_living_room/temperature/config",
		"homeassistant/sensor/purifier_living_room/humidity/config",
		"homeassistant/switch/purifier_living_room/led/config",
		"homeassistant/switch/purifier_living_room/buzzer/config",
	} {
		if !topics[want] {
			t.Errorf("missing discovery topic %s", want)
		}
	}

	// every discovery topic has a matching removal
	removals := make(map[string]bool)
	for _, m := range buildRemoveDiscovery("Living Room") {
		if m.Payload != nil {
			t.Errorf("removal %s has payload", m.Topic)
		}
		removals[m.Topic] = true
	}
	for topic := range topics {
		if !removals[topic] {
			t.Errorf("no removal for %s", topic)
		}
	}
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Living Room", "living_room"},
		{"bedroom-2", "bedroom-2"},
		{"  Kid's Room ", "kid_s_room"},
		{"", "purifier"},
	}
	for _, tt := range tests {
		if got := topicName(tt.in); got != tt.want {
			t.Errorf("topicName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildState(t *testing.T) {
	st := mirror.State{
		Mode:            convert.ModeFavorite,
		Active:          true,
		TargetState:     convert.TargetManual,
		RotationSpeed:   50,
		ChildLock:       true,
		AirQuality:      convert.AirQualityFair,
		AirQualityIndex: 42,
		Temperature:     21.5,
		LED:             true,
	}

	state := buildState(st, mirror.Features{AirQuality: true, LED: true})
	want := map[string]any{
		"state":       "ON",
		"mode":        "favorite",
		"preset_mode": "favorite",
		"percentage":  50,
		"child_lock":  "LOCKED",
		"available":   false,
		"air_quality": "fair",
		"pm25":        42.0,
		"led":         "ON",
	}
	if len(state) != len(want) {
		t.Errorf("state has %d keys, want %d: %v", len(state), len(want), state)
	}
	for k, v := range want {
		if state[k] != v {
			t.Errorf("state[%q] = %v, want %v", k, state[k], v)
		}
	}
	if _, ok := state["temperature"]; ok {
		t.Error("temperature published with feature disabled")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []write
		wantErr bool
	}{
		{
			name:    "power",
			payload: `{"state": "OFF"}`,
			want:    []write{{accessory.ServicePurifier, accessory.CharActive, false}},
		},
		{
			name:    "preset",
			payload: `{"preset_mode": "favorite"}`,
			want:    []write{{accessory.ServicePurifier, accessory.CharTargetAirPurifierState, 0}},
		},
		{
			name:    "ordered",
			payload: `{"percentage": 75, "state": "ON", "preset_mode": "auto"}`,
			want: []write{
				{accessory.ServicePurifier, accessory.CharActive, true},
				{accessory.ServicePurifier, accessory.CharTargetAirPurifierState, 1},
				{accessory.ServicePurifier, accessory.CharRotationSpeed, 75.0},
			},
		},
		{
			name:    "lock and switches",
			payload: `{"child_lock": "UNLOCK", "led": "ON", "buzzer": "OFF"}`,
			want: []write{
				{accessory.ServicePurifier, accessory.CharLockPhysicalControls, false},
				{accessory.ServiceLED, accessory.CharOn, true},
				{accessory.ServiceBuzzer, accessory.CharOn, false},
			},
		},
		{
			name:    "bad preset keeps valid keys",
			payload: `{"preset_mode": "turbo", "state": "ON"}`,
			want:    []write{{accessory.ServicePurifier, accessory.CharActive, true}},
			wantErr: true,
		},
		{name: "invalid json", payload: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d writes %+v, want %d", len(got), got, len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("write %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	acc, sim := newTestAccessory(t, mirror.Features{LED: true})
	b := newBridge(acc, Config{TopicPrefix: "purifier2mqtt"}, testLogger())
	sim.ResetCalls()

	b.handleCommand([]byte(`{"child_lock": "LOCK", "led": "OFF"}`))

	calls := sim.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls %+v, want 2", len(calls), calls)
	}
	if calls[0].Method != "set_child_lock" || calls[0].Args[0] != "on" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Method != "set_led" || calls[1].Args[0] != "off" {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestPublishStateRendersSnapshot(t *testing.T) {
	acc, _ := newTestAccessory(t, mirror.Features{})
	b := newBridge(acc, Config{TopicPrefix: "p"}, testLogger())

	b.publishState(false)
	first := string(b.last)
	if first == "" {
		t.Fatal("state not rendered")
	}
	var doc map[string]any
	if err := json.Unmarshal(b.last, &doc); err != nil {
		t.Fatalf("state is not JSON: %v", err)
	}
	if doc["state"] != "ON" || doc["mode"] != "auto" {
		t.Errorf("state doc = %v", doc)
	}
}
