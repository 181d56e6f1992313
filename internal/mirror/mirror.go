// Package mirror keeps the last known purifier state and reconciles it with
// the device: inbound events update it, outbound writes are translated into
// device calls. Reads never touch the device.
package mirror

import (
	"context"
	"log/slog"
	"sync"

	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
)

// Features selects the optional services. They are fixed at construction;
// events for a disabled feature are ignored.
type Features struct {
	AirQuality  bool `yaml:"air_quality" json:"air_quality"`
	Temperature bool `yaml:"temperature" json:"temperature"`
	Humidity    bool `yaml:"humidity" json:"humidity"`
	LED         bool `yaml:"led" json:"led"`
	Buzzer      bool `yaml:"buzzer" json:"buzzer"`
}

// State is a copy of the mirror. Unknown values hold their defaults.
type State struct {
	Reachable bool   `json:"reachable"`
	Model     string `json:"model,omitempty"`

	Mode         string               `json:"mode"`
	Active       bool                 `json:"active"`
	CurrentState convert.CurrentState `json:"current_state"`
	TargetState  convert.TargetState  `json:"target_state"`
	Power        bool                 `json:"power"`

	FavoriteLevel int  `json:"favorite_level"`
	RotationSpeed int  `json:"rotation_speed"`
	ChildLock     bool `json:"child_lock"`

	AirQuality      convert.AirQuality `json:"air_quality"`
	AirQualityIndex float64            `json:"air_quality_index"`
	Temperature     float64            `json:"temperature"`
	Humidity        float64            `json:"humidity"`
	LED             bool               `json:"led"`
	Buzzer          bool               `json:"buzzer"`

	// Known lists the fields that have been observed at least once.
	Known []Field `json:"known,omitempty"`
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithJournal adds a journal that receives every device call outcome. It
// may be given more than once.
func WithJournal(j Journal) Option {
	return func(m *Mirror) {
		m.journals = append(m.journals, j)
	}
}

// Mirror is the reconciliation core. All state mutation happens under mu;
// update batches are delivered under notifyMu so observers see them in the
// order they were produced.
type Mirror struct {
	features Features
	logger   *slog.Logger
	journals []Journal
	bus      *updateBus
	pending  sync.WaitGroup

	mu      sync.Mutex
	session *device.Session
	unsub   func()
	st      values

	notifyMu sync.Mutex
}

// values is the stored state. A nil pointer means never observed.
type values struct {
	mode        string
	power       *bool
	level       *int
	lock        *bool
	aqi         *float64
	temperature *float64
	humidity    *float64
	led         *bool
	buzzer      *bool
}

// New creates an empty mirror with no session.
func New(features Features, logger *slog.Logger, opts ...Option) *Mirror {
	logger = logger.With("component", "mirror")
	m := &Mirror{
		features: features,
		logger:   logger,
		bus:      newUpdateBus(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Features returns the feature flags the mirror was built with.
func (m *Mirror) Features() Features { return m.features }

// OnUpdate registers a handler for every update batch and returns a
// function that removes it. Handlers must not block and must not call the
// mirror's write operations synchronously.
func (m *Mirror) OnUpdate(handler UpdateHandler) func() {
	return m.bus.onAll(handler)
}

// OnField registers a handler for updates of a single field.
func (m *Mirror) OnField(field Field, handler func(Update)) func() {
	return m.bus.on(field, handler)
}

// Attach makes s the current session and seeds the mirror from one bulk
// snapshot. The subscription is made before the snapshot is read; events
// pushed in between are held and applied right after the seed. A failed
// snapshot is logged and seeds nothing, so values from an earlier session
// stay in place.
func (m *Mirror) Attach(ctx context.Context, s *device.Session) {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.session = s
	m.publishLocked([]Update{{Field: FieldReachable, Value: true}})

	var (
		heldMu sync.Mutex
		seeded bool
		held   []device.Event
	)
	unsub := s.Subscribe(func(e device.Event) {
		heldMu.Lock()
		if !seeded {
			held = append(held, e)
			heldMu.Unlock()
			return
		}
		heldMu.Unlock()
		m.handleEvent(s, e)
	})

	events, err := s.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("initial state read failed", "session", s.ID(), "error", err)
		events = nil
	}

	heldMu.Lock()
	m.mu.Lock()
	if m.session != s {
		seeded = true
		heldMu.Unlock()
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsub = unsub
	batch := m.applyAllLocked(append(events, held...))
	seeded, held = true, nil
	heldMu.Unlock()
	m.publishLocked(batch)
	m.logger.Info("session attached", "session", s.ID(), "model", s.Model())
}

// Detach clears s if it is the current session. The last known values are
// kept; writes fail with device.ErrNotDiscovered until the next Attach.
func (m *Mirror) Detach(s *device.Session) {
	m.mu.Lock()
	if m.session != s || s == nil {
		m.mu.Unlock()
		return
	}
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.session = nil
	m.publishLocked([]Update{{Field: FieldReachable, Value: false}})
	m.logger.Info("session detached", "session", s.ID())
}

// Refresh re-reads the full state from the current session.
func (m *Mirror) Refresh(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	events, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return device.ErrNotDiscovered
	}
	m.publishLocked(m.applyAllLocked(events))
	return nil
}

func (m *Mirror) current() *device.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Mirror) handleEvent(s *device.Session, e device.Event) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.publishLocked(m.applyLocked(e))
}

// publishLocked must be called with mu held; it releases mu. The notify
// lock is taken before mu is released so batches cannot overtake each
// other.
func (m *Mirror) publishLocked(batch []Update) {
	if len(batch) == 0 {
		m.mu.Unlock()
		return
	}
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	m.bus.emit(batch)
}

func (m *Mirror) applyAllLocked(events []device.Event) []Update {
	var batch []Update
	for _, e := range events {
		batch = append(batch, m.applyLocked(e)...)
	}
	return batch
}

// applyLocked stores one event and returns the updates it produces.
func (m *Mirror) applyLocked(e device.Event) []Update {
	switch ev := e.(type) {
	case device.ModeChanged:
		m.st.mode = ev.Mode
		return []Update{
			{Field: FieldActive, Value: convert.ModeToActive(ev.Mode)},
			{Field: FieldCurrentState, Value: convert.ModeToCurrentState(ev.Mode)},
			{Field: FieldTargetState, Value: convert.ModeToTargetState(ev.Mode)},
		}
	case device.PowerChanged:
		m.st.power = &ev.On
		return []Update{{Field: FieldPower, Value: ev.On}}
	case device.FavoriteLevelChanged:
		level := min(max(ev.Level, 0), convert.MaxFavoriteLevel)
		m.st.level = &level
		return []Update{{Field: FieldRotationSpeed, Value: convert.FavoriteLevelToPercent(level)}}
	case device.ChildLockChanged:
		m.st.lock = &ev.Locked
		return []Update{{Field: FieldLockPhysicalControls, Value: ev.Locked}}
	case device.AirQualityChanged:
		if !m.features.AirQuality {
			return nil
		}
		m.st.aqi = &ev.Index
		return []Update{
			{Field: FieldAirQuality, Value: convert.ClassifyAirQuality(ev.Index)},
			{Field: FieldPM25Density, Value: ev.Index},
		}
	case device.TemperatureChanged:
		if !m.features.Temperature {
			return nil
		}
		m.st.temperature = &ev.Celsius
		return []Update{{Field: FieldTemperature, Value: ev.Celsius}}
	case device.HumidityChanged:
		if !m.features.Humidity {
			return nil
		}
		h := min(max(ev.Percent, 0), 100)
		m.st.humidity = &h
		return []Update{{Field: FieldHumidity, Value: h}}
	case device.LEDChanged:
		if !m.features.LED {
			return nil
		}
		m.st.led = &ev.On
		return []Update{{Field: FieldLED, Value: ev.On}}
	case device.BuzzerChanged:
		if !m.features.Buzzer {
			return nil
		}
		m.st.buzzer = &ev.On
		return []Update{{Field: FieldBuzzer, Value: ev.On}}
	case device.Unknown:
		m.logger.Debug("ignoring property", "key", ev.Key, "value", ev.Value)
		return nil
	default:
		m.logger.Debug("ignoring event", "event", e)
		return nil
	}
}
