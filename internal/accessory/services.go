package accessory

import (
	"context"
	"fmt"

	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/mirror"
)

// Value formats.
const (
	FormatBool   = "bool"
	FormatUint8  = "uint8"
	FormatFloat  = "float"
	FormatString = "string"
)

func bounds(lo, hi, step float64) (*float64, *float64, *float64) {
	return &lo, &hi, &step
}

func (a *Accessory) buildServices() []*Service {
	m := a.mirror
	services := []*Service{
		{
			Type: ServiceInfo,
			Name: a.cfg.Name,
			Characteristics: []*Characteristic{
				constant(CharName, a.cfg.Name),
				constant(CharManufacturer, a.cfg.Info.Manufacturer),
				constant(CharModel, a.cfg.Info.Model),
				constant(CharSerialNumber, a.cfg.Info.SerialNumber),
				constant(CharFirmwareRevision, a.cfg.Info.Firmware),
			},
		},
		{
			Type: ServicePurifier,
			Name: a.cfg.Name,
			Characteristics: []*Characteristic{
				{
					Type:   CharActive,
					Format: FormatUint8,
					Get:    func() (any, error) { return encode(FormatUint8, m.Active()), nil },
					Set: func(ctx context.Context, v any) error {
						on, err := parseBool(v)
						if err != nil {
							return err
						}
						return m.SetActive(ctx, on)
					},
					field: mirror.FieldActive, bound: true,
				},
				{
					Type:   CharCurrentAirPurifierState,
					Format: FormatUint8,
					Get:    func() (any, error) { return int(m.CurrentState()), nil },
					field:  mirror.FieldCurrentState, bound: true,
				},
				{
					Type:   CharTargetAirPurifierState,
					Format: FormatUint8,
					Get:    func() (any, error) { return int(m.TargetState()), nil },
					Set: func(ctx context.Context, v any) error {
						n, err := parseInt(v, 0, 1)
						if err != nil {
							return err
						}
						return m.SetTargetState(ctx, convert.TargetState(n))
					},
					field: mirror.FieldTargetState, bound: true,
				},
				{
					Type:   CharRotationSpeed,
					Format: FormatFloat,
					Get:    func() (any, error) { return float64(m.RotationSpeed()), nil },
					Set: func(ctx context.Context, v any) error {
						p, ok := convert.ToFloat64(v)
						if !ok || p < 0 || p > 100 {
							return fmt.Errorf("%w: rotation speed %v", ErrInvalidValue, v)
						}
						return m.SetRotationPercent(ctx, p)
					},
					field: mirror.FieldRotationSpeed, bound: true,
				},
				{
					Type:   CharLockPhysicalControls,
					Format: FormatUint8,
					Get:    func() (any, error) { return encode(FormatUint8, m.ChildLock()), nil },
					Set: func(ctx context.Context, v any) error {
						locked, err := parseBool(v)
						if err != nil {
							return err
						}
						return m.SetLock(ctx, locked)
					},
					field: mirror.FieldLockPhysicalControls, bound: true,
				},
			},
		},
	}
	speed := services[1].Characteristics[3]
	speed.Min, speed.Max, speed.Step = bounds(0, 100, 1)

	f := a.cfg.Features
	if f.AirQuality {
		services = append(services, &Service{
			Type: ServiceAirQuality,
			Name: orDefault(a.cfg.Names.AirQuality, "Air Quality"),
			Characteristics: []*Characteristic{
				{
					Type:   CharAirQuality,
					Format: FormatUint8,
					Get:    func() (any, error) { return int(m.AirQuality()), nil },
					field:  mirror.FieldAirQuality, bound: true,
				},
				{
					Type:   CharPM25Density,
					Format: FormatFloat,
					Get:    func() (any, error) { return m.PM25Density(), nil },
					field:  mirror.FieldPM25Density, bound: true,
				},
			},
		})
	}
	if f.Temperature {
		services = append(services, &Service{
			Type: ServiceTemperature,
			Name: orDefault(a.cfg.Names.Temperature, "Temperature"),
			Characteristics: []*Characteristic{{
				Type:   CharCurrentTemperature,
				Format: FormatFloat,
				Get:    func() (any, error) { return m.Temperature(), nil },
				field:  mirror.FieldTemperature, bound: true,
			}},
		})
	}
	if f.Humidity {
		services = append(services, &Service{
			Type: ServiceHumidity,
			Name: orDefault(a.cfg.Names.Humidity, "Humidity"),
			Characteristics: []*Characteristic{{
				Type:   CharCurrentRelativeHumidity,
				Format: FormatFloat,
				Get:    func() (any, error) { return m.Humidity(), nil },
				field:  mirror.FieldHumidity, bound: true,
			}},
		})
	}
	if f.LED {
		services = append(services, a.switchService(ServiceLED,
			orDefault(a.cfg.Names.LED, a.cfg.Name+" LED"),
			mirror.FieldLED, m.LED, m.SetLED))
	}
	if f.Buzzer {
		services = append(services, a.switchService(ServiceBuzzer,
			orDefault(a.cfg.Names.Buzzer, a.cfg.Name+" Buzzer"),
			mirror.FieldBuzzer, m.Buzzer, m.SetBuzzer))
	}
	return services
}

func (a *Accessory) switchService(typ, name string, field mirror.Field, get func() bool, set func(context.Context, bool) error) *Service {
	return &Service{
		Type: typ,
		Name: name,
		Characteristics: []*Characteristic{{
			Type:   CharOn,
			Format: FormatBool,
			Get:    func() (any, error) { return get(), nil },
			Set: func(ctx context.Context, v any) error {
				on, err := parseBool(v)
				if err != nil {
					return err
				}
				return set(ctx, on)
			},
			field: field, bound: true,
		}},
	}
}

func constant(typ, value string) *Characteristic {
	return &Characteristic{
		Type:   typ,
		Format: FormatString,
		Get:    func() (any, error) { return value, nil },
	}
}

// encode converts a mirror value to the host representation of format.
func encode(format string, v any) any {
	switch format {
	case FormatUint8:
		switch val := v.(type) {
		case bool:
			if val {
				return 1
			}
			return 0
		case convert.CurrentState:
			return int(val)
		case convert.TargetState:
			return int(val)
		case convert.AirQuality:
			return int(val)
		}
	case FormatFloat:
		if f, ok := convert.ToFloat64(v); ok {
			return f
		}
	}
	return v
}

func parseBool(v any) (bool, error) {
	b, err := convert.ParseOnOff(v)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}
	return b, nil
}

func parseInt(v any, lo, hi int) (int, error) {
	f, ok := convert.ToFloat64(v)
	if !ok || f != float64(int(f)) || int(f) < lo || int(f) > hi {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}
	return int(f), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
