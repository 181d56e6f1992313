// Package accessory exposes the mirror as an accessory made of services and
// characteristics. Values follow HomeKit numbering so hosts can forward them
// unchanged.
package accessory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"purifier-go-home/internal/mirror"
)

// Service types.
const (
	ServiceInfo        = "accessory_information"
	ServicePurifier    = "air_purifier"
	ServiceAirQuality  = "air_quality_sensor"
	ServiceTemperature = "temperature_sensor"
	ServiceHumidity    = "humidity_sensor"
	ServiceLED         = "led"
	ServiceBuzzer      = "buzzer"
)

// Characteristic types.
const (
	CharName                    = "Name"
	CharManufacturer            = "Manufacturer"
	CharModel                   = "Model"
	CharSerialNumber            = "SerialNumber"
	CharFirmwareRevision        = "FirmwareRevision"
	CharActive                  = "Active"
	CharCurrentAirPurifierState = "CurrentAirPurifierState"
	CharTargetAirPurifierState  = "TargetAirPurifierState"
	CharRotationSpeed           = "RotationSpeed"
	CharLockPhysicalControls    = "LockPhysicalControls"
	CharAirQuality              = "AirQuality"
	CharPM25Density             = "PM2_5Density"
	CharCurrentTemperature      = "CurrentTemperature"
	CharCurrentRelativeHumidity = "CurrentRelativeHumidity"
	CharOn                      = "On"
)

var (
	ErrUnknownCharacteristic = errors.New("accessory: unknown characteristic")
	ErrReadOnly              = errors.New("accessory: characteristic is read-only")
	ErrInvalidValue          = errors.New("accessory: invalid value")
)

// Info is the accessory information service content.
type Info struct {
	Manufacturer string `yaml:"manufacturer" json:"manufacturer"`
	Model        string `yaml:"model" json:"model"`
	SerialNumber string `yaml:"serial_number" json:"serial_number"`
	Firmware     string `yaml:"firmware" json:"firmware"`
}

// Names overrides the display names of the optional services.
type Names struct {
	AirQuality  string `yaml:"air_quality" json:"air_quality"`
	Temperature string `yaml:"temperature" json:"temperature"`
	Humidity    string `yaml:"humidity" json:"humidity"`
	LED         string `yaml:"led" json:"led"`
	Buzzer      string `yaml:"buzzer" json:"buzzer"`
}

// Config describes the accessory.
type Config struct {
	Name     string
	Info     Info
	Names    Names
	Features mirror.Features
}

// Characteristic is one value of a service. Get is always set; Set is nil
// for read-only characteristics.
type Characteristic struct {
	Type   string   `json:"type"`
	Format string   `json:"format"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Step   *float64 `json:"step,omitempty"`

	Get func() (any, error)                    `json:"-"`
	Set func(ctx context.Context, v any) error `json:"-"`

	field mirror.Field
	bound bool
}

// Writable reports whether the characteristic accepts writes.
func (c *Characteristic) Writable() bool { return c.Set != nil }

// Service groups characteristics.
type Service struct {
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	Characteristics []*Characteristic `json:"characteristics"`
}

// Characteristic returns the characteristic of the given type, or nil.
func (s *Service) Characteristic(typ string) *Characteristic {
	for _, c := range s.Characteristics {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

// ValueUpdate is a characteristic value change pushed to hosts.
type ValueUpdate struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          any    `json:"value"`
}

// Accessory is the purifier accessory bound to one mirror.
type Accessory struct {
	cfg      Config
	mirror   *mirror.Mirror
	logger   *slog.Logger
	services []*Service
	byField  map[mirror.Field][]binding
}

type binding struct {
	service string
	char    *Characteristic
}

// New builds the accessory's services from cfg.
func New(cfg Config, m *mirror.Mirror, logger *slog.Logger) *Accessory {
	if cfg.Info.Manufacturer == "" {
		cfg.Info.Manufacturer = "Xiaomi"
	}
	if cfg.Info.Model == "" {
		cfg.Info.Model = "Air Purifier"
	}
	if cfg.Info.SerialNumber == "" {
		cfg.Info.SerialNumber = "Undefined"
	}
	a := &Accessory{
		cfg:     cfg,
		mirror:  m,
		logger:  logger.With("component", "accessory"),
		byField: make(map[mirror.Field][]binding),
	}
	a.services = a.buildServices()
	for _, s := range a.services {
		for _, c := range s.Characteristics {
			if c.bound {
				a.byField[c.field] = append(a.byField[c.field], binding{service: s.Type, char: c})
			}
		}
	}
	return a
}

// Name returns the accessory display name.
func (a *Accessory) Name() string { return a.cfg.Name }

// Info returns the accessory information.
func (a *Accessory) Info() Info { return a.cfg.Info }

// Features returns the enabled optional services.
func (a *Accessory) Features() mirror.Features { return a.cfg.Features }

// Mirror returns the mirror the accessory is bound to.
func (a *Accessory) Mirror() *mirror.Mirror { return a.mirror }

// Services returns the services in a fixed order.
func (a *Accessory) Services() []*Service { return a.services }

// Service returns the service of the given type, or nil.
func (a *Accessory) Service(typ string) *Service {
	for _, s := range a.services {
		if s.Type == typ {
			return s
		}
	}
	return nil
}

// Characteristic looks up a characteristic by service and type.
func (a *Accessory) Characteristic(service, typ string) (*Characteristic, error) {
	s := a.Service(service)
	if s == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCharacteristic, service, typ)
	}
	c := s.Characteristic(typ)
	if c == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCharacteristic, service, typ)
	}
	return c, nil
}

// Get runs the characteristic's get hook once.
func (a *Accessory) Get(service, typ string) (any, error) {
	c, err := a.Characteristic(service, typ)
	if err != nil {
		return nil, err
	}
	return c.Get()
}

// Set runs the characteristic's set hook once.
func (a *Accessory) Set(ctx context.Context, service, typ string, v any) error {
	c, err := a.Characteristic(service, typ)
	if err != nil {
		return err
	}
	if c.Set == nil {
		return fmt.Errorf("%w: %s.%s", ErrReadOnly, service, typ)
	}
	if err := c.Set(ctx, v); err != nil {
		a.logger.Warn("set failed", "service", service, "characteristic", typ, "value", v, "error", err)
		return err
	}
	return nil
}

// Reachable reports whether the device is connected.
func (a *Accessory) Reachable() bool { return a.mirror.Reachable() }

// OnUpdate calls fn for every characteristic whose value changes. The
// returned function removes the handler.
func (a *Accessory) OnUpdate(fn func(ValueUpdate)) func() {
	return a.mirror.OnUpdate(func(batch []mirror.Update) {
		for _, u := range batch {
			for _, b := range a.byField[u.Field] {
				fn(ValueUpdate{Service: b.service, Characteristic: b.char.Type, Value: encode(b.char.Format, u.Value)})
			}
		}
	})
}

// OnReachable calls fn when the device connects or disconnects.
func (a *Accessory) OnReachable(fn func(bool)) func() {
	return a.mirror.OnField(mirror.FieldReachable, func(u mirror.Update) {
		if v, ok := u.Value.(bool); ok {
			fn(v)
		}
	})
}
