// Package homekit serves the accessory over HAP using brutella/hap.
package homekit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brutella/hap"
	haccessory "github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"purifier-go-home/internal/accessory"
)

// statusCommunicationFailure is the HAP status for an unreachable service.
const statusCommunicationFailure = -70402

// requestTimeout bounds one controller write.
const requestTimeout = 10 * time.Second

// Config configures the HAP server.
type Config struct {
	Pin         string
	StoragePath string
	Listen      string
}

type charKey struct {
	service string
	char    string
}

// Bridge maps the accessory onto HAP services and keeps them updated.
type Bridge struct {
	acc    *accessory.Accessory
	a      *haccessory.A
	cfg    Config
	logger *slog.Logger

	ctx   context.Context
	chars map[charKey]*characteristic.C
	push  map[charKey]func(any)
	unsub func()
}

// New builds the HAP accessory. Nothing is served until Run.
func New(acc *accessory.Accessory, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		acc:    acc,
		cfg:    cfg,
		logger: logger.With("component", "homekit"),
		ctx:    context.Background(),
		chars:  make(map[charKey]*characteristic.C),
		push:   make(map[charKey]func(any)),
	}
	b.build()
	return b
}

// Accessory returns the HAP accessory.
func (b *Bridge) Accessory() *haccessory.A { return b.a }

func (b *Bridge) build() {
	info := b.acc.Info()
	b.a = haccessory.New(haccessory.Info{
		Name:         b.acc.Name(),
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SerialNumber: info.SerialNumber,
		Firmware:     info.Firmware,
	}, haccessory.TypeAirPurifier)

	p := service.NewAirPurifier()
	b.bindInt(accessory.ServicePurifier, accessory.CharActive, p.Active.Int)
	b.bindInt(accessory.ServicePurifier, accessory.CharCurrentAirPurifierState, p.CurrentAirPurifierState.Int)
	b.bindInt(accessory.ServicePurifier, accessory.CharTargetAirPurifierState, p.TargetAirPurifierState.Int)
	speed := characteristic.NewRotationSpeed()
	b.bindFloat(accessory.ServicePurifier, accessory.CharRotationSpeed, speed.Float)
	p.AddC(speed.C)
	lock := characteristic.NewLockPhysicalControls()
	b.bindInt(accessory.ServicePurifier, accessory.CharLockPhysicalControls, lock.Int)
	p.AddC(lock.C)
	b.a.AddS(p.S)

	for _, svc := range b.acc.Services() {
		switch svc.Type {
		case accessory.ServiceAirQuality:
			s := service.NewAirQualitySensor()
			b.bindInt(svc.Type, accessory.CharAirQuality, s.AirQuality.Int)
			pm := characteristic.NewPM2_5Density()
			b.bindFloat(svc.Type, accessory.CharPM25Density, pm.Float)
			s.AddC(pm.C)
			addName(s.S, svc.Name)
			b.a.AddS(s.S)
		case accessory.ServiceTemperature:
			s := service.NewTemperatureSensor()
			b.bindFloat(svc.Type, accessory.CharCurrentTemperature, s.CurrentTemperature.Float)
			addName(s.S, svc.Name)
			b.a.AddS(s.S)
		case accessory.ServiceHumidity:
			s := service.NewHumiditySensor()
			b.bindFloat(svc.Type, accessory.CharCurrentRelativeHumidity, s.CurrentRelativeHumidity.Float)
			addName(s.S, svc.Name)
			b.a.AddS(s.S)
		case accessory.ServiceLED:
			s := service.NewLightbulb()
			b.bindBool(svc.Type, accessory.CharOn, s.On.Bool)
			addName(s.S, svc.Name)
			b.a.AddS(s.S)
		case accessory.ServiceBuzzer:
			s := service.NewSwitch()
			b.bindBool(svc.Type, accessory.CharOn, s.On.Bool)
			addName(s.S, svc.Name)
			b.a.AddS(s.S)
		}
	}
}

func addName(s *service.S, name string) {
	n := characteristic.NewName()
	n.SetValue(name)
	s.AddC(n.C)
}

// get answers a controller read from the accessory's get hook.
func (b *Bridge) get(service, char string) func(*http.Request) (interface{}, int) {
	return func(*http.Request) (interface{}, int) {
		v, err := b.acc.Get(service, char)
		if err != nil {
			b.logger.Warn("read failed", "service", service, "characteristic", char, "error", err)
			return nil, statusCommunicationFailure
		}
		return v, 0
	}
}

func (b *Bridge) set(service, char string, v any) error {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()
	return b.acc.Set(ctx, service, char, v)
}

func (b *Bridge) bindInt(service, char string, c *characteristic.Int) {
	b.chars[charKey{service, char}] = c.C
	c.ValueRequestFunc = b.get(service, char)
	if v, err := b.acc.Get(service, char); err == nil {
		if n, ok := v.(int); ok {
			c.SetValue(n)
		}
	}
	if ch, err := b.acc.Characteristic(service, char); err == nil && ch.Writable() {
		c.OnSetRemoteValue(func(v int) error { return b.set(service, char, v) })
	}
	b.push[charKey{service, char}] = func(v any) {
		if n, ok := v.(int); ok {
			c.SetValue(n)
		}
	}
}

func (b *Bridge) bindFloat(service, char string, c *characteristic.Float) {
	b.chars[charKey{service, char}] = c.C
	c.ValueRequestFunc = b.get(service, char)
	if v, err := b.acc.Get(service, char); err == nil {
		if f, ok := v.(float64); ok {
			c.SetValue(f)
		}
	}
	if ch, err := b.acc.Characteristic(service, char); err == nil && ch.Writable() {
		c.OnSetRemoteValue(func(v float64) error { return b.set(service, char, v) })
	}
	b.push[charKey{service, char}] = func(v any) {
		if f, ok := v.(float64); ok {
			c.SetValue(f)
		}
	}
}

func (b *Bridge) bindBool(service, char string, c *characteristic.Bool) {
	b.chars[charKey{service, char}] = c.C
	c.ValueRequestFunc = b.get(service, char)
	if v, err := b.acc.Get(service, char); err == nil {
		if on, ok := v.(bool); ok {
			c.SetValue(on)
		}
	}
	if ch, err := b.acc.Characteristic(service, char); err == nil && ch.Writable() {
		c.OnSetRemoteValue(func(v bool) error { return b.set(service, char, v) })
	}
	b.push[charKey{service, char}] = func(v any) {
		if on, ok := v.(bool); ok {
			c.SetValue(on)
		}
	}
}

// Start forwards accessory updates to the HAP characteristics.
func (b *Bridge) Start() {
	b.unsub = b.acc.OnUpdate(func(u accessory.ValueUpdate) {
		if fn, ok := b.push[charKey{u.Service, u.Characteristic}]; ok {
			fn(u.Value)
		}
	})
}

// Stop detaches from the accessory.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}

// Run serves the accessory until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx
	server, err := hap.NewServer(hap.NewFsStore(b.cfg.StoragePath), b.a)
	if err != nil {
		return fmt.Errorf("create hap server: %w", err)
	}
	if b.cfg.Pin != "" {
		server.Pin = b.cfg.Pin
	}
	if b.cfg.Listen != "" {
		server.Addr = b.cfg.Listen
	}

	b.Start()
	defer b.Stop()

	b.logger.Info("homekit server starting", "addr", server.Addr, "storage", b.cfg.StoragePath)
	if err := server.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve hap: %w", err)
	}
	return nil
}
