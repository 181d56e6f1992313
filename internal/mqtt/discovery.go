//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"purifier-go-home/internal/accessory"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/fan/purifier_bedroom/purifier/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	CommandTopic      string `json:"command_topic,omitempty"`
	CommandTemplate   string `json:"command_template,omitempty"`
	AvailabilityTopic string `json:"availability_topic"`
	ValueTemplate     string `json:"value_template,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	PayloadOn         string `json:"payload_on,omitempty"`
	PayloadOff        string `json:"payload_off,omitempty"`

	// fan
	StateValueTemplate        string   `json:"state_value_template,omitempty"`
	PercentageStateTopic      string   `json:"percentage_state_topic,omitempty"`
	PercentageCommandTopic    string   `json:"percentage_command_topic,omitempty"`
	PercentageValueTemplate   string   `json:"percentage_value_template,omitempty"`
	PercentageCommandTemplate string   `json:"percentage_command_template,omitempty"`
	PresetModeStateTopic      string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeCommandTopic    string   `json:"preset_mode_command_topic,omitempty"`
	PresetModeValueTemplate   string   `json:"preset_mode_value_template,omitempty"`
	PresetModeCommandTemplate string   `json:"preset_mode_command_template,omitempty"`
	PresetModes               []string `json:"preset_modes,omitempty"`

	// lock
	PayloadLock   string `json:"payload_lock,omitempty"`
	PayloadUnlock string `json:"payload_unlock,omitempty"`
	StateLocked   string `json:"state_locked,omitempty"`
	StateUnlocked string `json:"state_unlocked,omitempty"`

	Device haDevice `json:"device"`
}

// topicName lowercases name and keeps only characters safe for MQTT topics.
func topicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "purifier"
	}
	return name
}

// nodeIdentifier returns the unique identifier for the HA device registry.
func nodeIdentifier(name string) string {
	return "purifier_" + topicName(name)
}

// topics are the per-device MQTT topics.
type topics struct {
	state        string
	command      string
	availability string
}

func newTopics(prefix, name string) topics {
	base := prefix + "/" + topicName(name)
	return topics{
		state:        base,
		command:      base + "/set",
		availability: base + "/availability",
	}
}

// buildDiscovery generates HA discovery messages for the accessory's
// services.
func buildDiscovery(acc *accessory.Accessory, prefix string) []discoveryMsg {
	t := newTopics(prefix, acc.Name())
	nodeID := nodeIdentifier(acc.Name())
	info := acc.Info()
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Name:         acc.Name(),
		SWVersion:    info.Firmware,
	}

	msgs := []discoveryMsg{
		buildFan(nodeID, acc.Name(), t, haDev),
		buildLock(nodeID, acc.Name(), t, haDev),
	}
	for _, svc := range acc.Services() {
		switch svc.Type {
		case accessory.ServiceAirQuality:
			msgs = append(msgs,
				buildSensor(nodeID, svc.Name, t, haDev,
					"pm25", "pm25", "µg/m³", "measurement", "{{ value_json.pm25 }}"),
				buildSensor(nodeID, svc.Name+" Level", t, haDev,
					"air_quality", "", "", "", "{{ value_json.air_quality }}"))
		case accessory.ServiceTemperature:
			msgs = append(msgs, buildSensor(nodeID, svc.Name, t, haDev,
				"temperature", "temperature", "°C", "measurement", "{{ value_json.temperature }}"))
		case accessory.ServiceHumidity:
			msgs = append(msgs, buildSensor(nodeID, svc.Name, t, haDev,
				"humidity", "humidity", "%", "measurement", "{{ value_json.humidity }}"))
		case accessory.ServiceLED:
			msgs = append(msgs, buildSwitch(nodeID, svc.Name, t, haDev, "led"))
		case accessory.ServiceBuzzer:
			msgs = append(msgs, buildSwitch(nodeID, svc.Name, t, haDev, "buzzer"))
		}
	}
	return msgs
}

func buildFan(nodeID, name string, t topics, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/fan/%s/purifier/config", nodeID)
	payload := haDiscovery{
		Name:                      name,
		UniqueID:                  nodeID + "_purifier",
		StateTopic:                t.state,
		StateValueTemplate:        "{{ value_json.state }}",
		CommandTopic:              t.command,
		CommandTemplate:           `{"state": "{{ value }}"}`,
		AvailabilityTopic:         t.availability,
		PayloadOn:                 "ON",
		PayloadOff:                "OFF",
		PercentageStateTopic:      t.state,
		PercentageValueTemplate:   "{{ value_json.percentage }}",
		PercentageCommandTopic:    t.command,
		PercentageCommandTemplate: `{"percentage": {{ value }}}`,
		PresetModeStateTopic:      t.state,
		PresetModeValueTemplate:   "{{ value_json.preset_mode }}",
		PresetModeCommandTopic:    t.command,
		PresetModeCommandTemplate: `{"preset_mode": "{{ value }}"}`,
		PresetModes:               []string{presetAuto, presetFavorite},
		Device:                    haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLock(nodeID, name string, t topics, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/lock/%s/child_lock/config", nodeID)
	payload := haDiscovery{
		Name:              name + " Child Lock",
		UniqueID:          nodeID + "_child_lock",
		StateTopic:        t.state,
		ValueTemplate:     "{{ value_json.child_lock }}",
		CommandTopic:      t.command,
		CommandTemplate:   `{"child_lock": "{{ value }}"}`,
		AvailabilityTopic: t.availability,
		PayloadLock:       "LOCK",
		PayloadUnlock:     "UNLOCK",
		StateLocked:       "LOCKED",
		StateUnlocked:     "UNLOCKED",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, name string, t topics, haDev haDevice,
	objectID, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        t.state,
		AvailabilityTopic: t.availability,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, name string, t topics, haDev haDevice, objectID string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              name,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        t.state,
		CommandTopic:      t.command,
		CommandTemplate:   fmt.Sprintf(`{"%s": "{{ value }}"}`, objectID),
		AvailabilityTopic: t.availability,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", objectID),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove the
// device from HA.
func buildRemoveDiscovery(name string) []discoveryMsg {
	nodeID := nodeIdentifier(name)
	components := []struct{ comp, obj string }{
		{"fan", "purifier"},
		{"lock", "child_lock"},
		{"sensor", "pm25"},
		{"sensor", "air_quality"},
		{"sensor", "temperature"},
		{"sensor", "humidity"},
		{"switch", "led"},
		{"switch", "buzzer"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
