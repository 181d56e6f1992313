//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"purifier-go-home/internal/accessory"
	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/mirror"
)

const (
	presetAuto     = "auto"
	presetFavorite = "favorite"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the accessory to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	acc    *accessory.Accessory
	prefix string
	topics topics
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	unsubs []func()
	last   []byte // last published state payload
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(acc *accessory.Accessory, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(acc, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("purifier-go-home-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishDiscovery()
			b.publishAvailability(b.acc.Reachable())
			b.publishState(true)
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(acc *accessory.Accessory, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		acc:    acc,
		prefix: cfg.TopicPrefix,
		topics: newTopics(cfg.TopicPrefix, acc.Name()),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to mirror updates and begins MQTT publishing.
func (b *Bridge) Start() {
	m := b.acc.Mirror()
	b.mu.Lock()
	b.unsubs = append(b.unsubs,
		m.OnUpdate(func([]mirror.Update) { b.publishState(false) }),
		b.acc.OnReachable(b.publishAvailability),
	)
	b.mu.Unlock()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "state_topic", b.topics.state)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	b.mu.Lock()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.mu.Unlock()
	b.publishAvailability(false)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// RemoveDiscovery clears the retained discovery entries.
func (b *Bridge) RemoveDiscovery() {
	for _, msg := range buildRemoveDiscovery(b.acc.Name()) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishAvailability(online bool) {
	payload := "offline"
	if online {
		payload = "online"
	}
	b.publish(b.topics.availability, []byte(payload), true)
}

func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.acc, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", b.acc.Name())
}

// publishState publishes the full state document. Unchanged documents are
// skipped unless force is set.
func (b *Bridge) publishState(force bool) {
	payload := mustJSON(buildState(b.acc.Mirror().Snapshot(), b.acc.Features()))
	b.mu.Lock()
	if !force && string(payload) == string(b.last) {
		b.mu.Unlock()
		return
	}
	b.last = payload
	b.mu.Unlock()
	b.publish(b.topics.state, payload, true)
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.topics.command, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

// buildState renders the mirror as the retained state document.
func buildState(st mirror.State, f mirror.Features) map[string]any {
	state := map[string]any{
		"state":       onOff(st.Active),
		"mode":        st.Mode,
		"preset_mode": presetMode(st.TargetState),
		"percentage":  st.RotationSpeed,
		"child_lock":  lockState(st.ChildLock),
		"available":   st.Reachable,
	}
	if f.AirQuality {
		state["air_quality"] = st.AirQuality.String()
		state["pm25"] = st.AirQualityIndex
	}
	if f.Temperature {
		state["temperature"] = st.Temperature
	}
	if f.Humidity {
		state["humidity"] = st.Humidity
	}
	if f.LED {
		state["led"] = onOff(st.LED)
	}
	if f.Buzzer {
		state["buzzer"] = onOff(st.Buzzer)
	}
	return state
}

// write is one characteristic write decoded from a command document.
type write struct {
	service string
	char    string
	value   any
}

// parseCommand decodes a JSON command document into characteristic writes.
// Keys are applied in a fixed order: power first, then mode, then speed.
func parseCommand(payload []byte) ([]write, error) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("invalid command JSON: %w", err)
	}

	var writes []write
	var errs []error
	if v, ok := cmd["state"]; ok {
		on, err := convert.ParseOnOff(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("state: %w", err))
		} else {
			writes = append(writes, write{accessory.ServicePurifier, accessory.CharActive, on})
		}
	}
	if v, ok := cmd["preset_mode"]; ok {
		switch s, _ := v.(string); strings.ToLower(s) {
		case presetAuto:
			writes = append(writes, write{accessory.ServicePurifier, accessory.CharTargetAirPurifierState, int(convert.TargetAuto)})
		case presetFavorite, "manual":
			writes = append(writes, write{accessory.ServicePurifier, accessory.CharTargetAirPurifierState, int(convert.TargetManual)})
		default:
			errs = append(errs, fmt.Errorf("preset_mode: unsupported %v", v))
		}
	}
	if v, ok := cmd["percentage"]; ok {
		p, ok := convert.ToFloat64(v)
		if !ok {
			errs = append(errs, fmt.Errorf("percentage: not a number: %v", v))
		} else {
			writes = append(writes, write{accessory.ServicePurifier, accessory.CharRotationSpeed, p})
		}
	}
	if v, ok := cmd["child_lock"]; ok {
		locked, err := convert.ParseOnOff(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("child_lock: %w", err))
		} else {
			writes = append(writes, write{accessory.ServicePurifier, accessory.CharLockPhysicalControls, locked})
		}
	}
	for _, k := range []struct{ key, service string }{
		{"led", accessory.ServiceLED},
		{"buzzer", accessory.ServiceBuzzer},
	} {
		v, ok := cmd[k.key]
		if !ok {
			continue
		}
		on, err := convert.ParseOnOff(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k.key, err))
			continue
		}
		writes = append(writes, write{k.service, accessory.CharOn, on})
	}
	return writes, errors.Join(errs...)
}

func (b *Bridge) handleCommand(payload []byte) {
	writes, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "err", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	for _, w := range writes {
		if err := b.acc.Set(ctx, w.service, w.char, w.value); err != nil {
			b.logger.Warn("command failed", "service", w.service, "characteristic", w.char, "err", err)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func presetMode(t convert.TargetState) string {
	if t == convert.TargetManual {
		return presetFavorite
	}
	return presetAuto
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func lockState(locked bool) string {
	if locked {
		return "LOCKED"
	}
	return "UNLOCKED"
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
