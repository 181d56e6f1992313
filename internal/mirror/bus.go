package mirror

import (
	"fmt"
	"log/slog"
	"sync"
)

// Field identifies one published mirror value.
type Field int

const (
	FieldReachable Field = iota
	FieldActive
	FieldCurrentState
	FieldTargetState
	FieldRotationSpeed
	FieldLockPhysicalControls
	FieldAirQuality
	FieldPM25Density
	FieldTemperature
	FieldHumidity
	FieldLED
	FieldBuzzer
	FieldPower
)

var fieldNames = map[Field]string{
	FieldReachable:            "reachable",
	FieldActive:               "active",
	FieldCurrentState:         "current_state",
	FieldTargetState:          "target_state",
	FieldRotationSpeed:        "rotation_speed",
	FieldLockPhysicalControls: "lock_physical_controls",
	FieldAirQuality:           "air_quality",
	FieldPM25Density:          "pm2_5_density",
	FieldTemperature:          "temperature",
	FieldHumidity:             "humidity",
	FieldLED:                  "led",
	FieldBuzzer:               "buzzer",
	FieldPower:                "power",
}

func (f Field) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return "unknown"
}

func (f Field) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Field) UnmarshalText(text []byte) error {
	for field, name := range fieldNames {
		if name == string(text) {
			*f = field
			return nil
		}
	}
	return fmt.Errorf("mirror: unknown field %q", text)
}

// Update is one changed value. Value holds a bool, int, float64 or one of
// the convert enums depending on Field.
type Update struct {
	Field Field `json:"field"`
	Value any   `json:"value"`
}

// UpdateHandler receives one batch of updates.
type UpdateHandler func([]Update)

// updateBus fans batches out to handlers. Handlers run synchronously on the
// publishing goroutine; a panicking handler is recovered.
type updateBus struct {
	mu          sync.RWMutex
	handlers    map[Field]map[uint64]func(Update)
	allHandlers map[uint64]UpdateHandler
	nextID      uint64
	logger      *slog.Logger
}

func newUpdateBus(logger *slog.Logger) *updateBus {
	return &updateBus{
		handlers:    make(map[Field]map[uint64]func(Update)),
		allHandlers: make(map[uint64]UpdateHandler),
		logger:      logger,
	}
}

func (b *updateBus) on(field Field, handler func(Update)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[field] == nil {
		b.handlers[field] = make(map[uint64]func(Update))
	}
	b.handlers[field][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[field], id)
	}
}

func (b *updateBus) onAll(handler UpdateHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

func (b *updateBus) emit(batch []Update) {
	b.mu.RLock()
	all := make([]UpdateHandler, 0, len(b.allHandlers))
	for _, h := range b.allHandlers {
		all = append(all, h)
	}
	type fieldCall struct {
		h func(Update)
		u Update
	}
	var single []fieldCall
	for _, u := range batch {
		for _, h := range b.handlers[u.Field] {
			single = append(single, fieldCall{h, u})
		}
	}
	b.mu.RUnlock()

	for _, h := range all {
		b.safe(func() { h(batch) })
	}
	for _, c := range single {
		b.safe(func() { c.h(c.u) })
	}
}

func (b *updateBus) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panic", "panic", r)
		}
	}()
	fn()
}
