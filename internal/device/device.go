// Package device defines the boundary to the device transport and the
// Session that owns one live connection to one purifier.
package device

import (
	"context"
	"strings"
)

// Identity is how a device is addressed. It is fixed at startup.
type Identity struct {
	Address string
	Token   string
	ID      string // discovered identifier, optional
}

// Kind is the transport-reported device classification.
type Kind int

const (
	KindUnknown Kind = iota
	KindAirPurifier
	KindHumidifier
	KindFan
	KindLight
	KindVacuum
)

func (k Kind) String() string {
	switch k {
	case KindAirPurifier:
		return "air-purifier"
	case KindHumidifier:
		return "humidifier"
	case KindFan:
		return "fan"
	case KindLight:
		return "light"
	case KindVacuum:
		return "vacuum"
	default:
		return "unknown"
	}
}

// ParseKind classifies a kind name or a vendor model identifier such as
// "zhimi.airpurifier.m1".
func ParseKind(s string) Kind {
	s = strings.ToLower(s)
	switch {
	case s == "air-purifier", strings.Contains(s, "airpurifier"), strings.Contains(s, "airp."):
		return KindAirPurifier
	case s == "humidifier", strings.Contains(s, "humidifier"):
		return KindHumidifier
	case s == "fan", strings.Contains(s, ".fan."):
		return KindFan
	case s == "light", strings.Contains(s, ".light."), strings.HasPrefix(s, "yeelink."):
		return KindLight
	case s == "vacuum", strings.Contains(s, "vacuum"):
		return KindVacuum
	default:
		return KindUnknown
	}
}

// Transport opens connections to devices. Implementations perform the
// encrypted handshake; a failed Open is retried by the caller.
type Transport interface {
	Open(ctx context.Context, id Identity) (Handle, error)
}

// Handle is one open connection as provided by a Transport.
type Handle interface {
	// Kind is the device classification reported during the handshake.
	Kind() Kind
	Model() string

	// State reads all properties in one request.
	State(ctx context.Context) (map[string]any, error)
	ReadProperty(ctx context.Context, name string) (any, error)
	// Call invokes a device method and returns its raw result list.
	Call(ctx context.Context, method string, args ...any) ([]any, error)

	// Subscribe registers a handler for pushed property changes and
	// returns a function that removes it.
	Subscribe(handler func(key string, value any)) func()

	// Done is closed when the transport considers the device unavailable.
	Done() <-chan struct{}
	Close() error
}
