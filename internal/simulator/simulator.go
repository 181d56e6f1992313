// Package simulator provides an in-process air purifier that implements
// device.Transport. It keeps a property table, answers the purifier's RPC
// methods, pushes property changes to subscribers and supports fault
// injection for tests.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
)

// DefaultModel is the model string reported unless WithModel is used.
const DefaultModel = "zhimi.airpurifier.m1"

var (
	ErrHandshake     = errors.New("simulator: handshake failed")
	ErrUnreachable   = errors.New("simulator: device unreachable")
	ErrUnknownMethod = errors.New("simulator: unknown method")
)

// Call records one method invocation.
type Call struct {
	Method string
	Args   []any
}

// Option configures a Purifier.
type Option func(*Purifier)

// WithModel sets the reported model; the kind is derived from it.
func WithModel(model string) Option {
	return func(p *Purifier) {
		p.model = model
	}
}

// WithToken makes Open reject identities carrying a different token.
func WithToken(token string) Option {
	return func(p *Purifier) {
		p.token = token
	}
}

// WithProperties overrides initial property values.
func WithProperties(props map[string]any) Option {
	return func(p *Purifier) {
		maps.Copy(p.props, props)
	}
}

// Purifier is a simulated device. The zero value is not usable; call New.
type Purifier struct {
	logger *slog.Logger
	model  string
	token  string

	mu        sync.Mutex
	props     map[string]any
	lastMode  string
	calls     []Call
	opens     int
	failOpens int
	results   map[string]string
	errs      map[string]error
	conn      *conn
}

// New returns a purifier in auto mode with plausible sensor readings.
func New(logger *slog.Logger, opts ...Option) *Purifier {
	p := &Purifier{
		logger: logger.With("component", "simulator"),
		model:  DefaultModel,
		props: map[string]any{
			"power":            "on",
			"mode":             convert.ModeAuto,
			"favorite_level":   8,
			"pm2.5":            12,
			"temperature":      22.5,
			"relativeHumidity": 40,
			"child_lock":       "off",
			"led":              "on",
			"buzzer":           "off",
		},
		lastMode: convert.ModeAuto,
		results:  make(map[string]string),
		errs:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open implements device.Transport. Only one connection is live at a time;
// opening again drops the previous one.
func (p *Purifier) Open(ctx context.Context, id device.Identity) (device.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.opens++
	if p.failOpens > 0 {
		p.failOpens--
		p.mu.Unlock()
		return nil, ErrUnreachable
	}
	if p.token != "" && id.Token != p.token {
		p.mu.Unlock()
		return nil, ErrHandshake
	}
	old := p.conn
	c := &conn{
		p:        p,
		handlers: make(map[int]func(string, any)),
		done:     make(chan struct{}),
	}
	p.conn = c
	p.mu.Unlock()

	if old != nil {
		old.drop()
	}
	p.logger.Debug("connection opened", "address", id.Address)
	return c, nil
}

// FailOpens makes the next n Open calls fail.
func (p *Purifier) FailOpens(n int) {
	p.mu.Lock()
	p.failOpens = n
	p.mu.Unlock()
}

// Opens returns the number of Open attempts so far.
func (p *Purifier) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// SetResult makes method answer with code instead of "ok" without applying
// its effect. An empty code restores normal behaviour.
func (p *Purifier) SetResult(method, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == "" {
		delete(p.results, method)
		return
	}
	p.results[method] = code
}

// FailCall makes method return err. The method "state" fails bulk state
// reads. A nil err restores normal behaviour.
func (p *Purifier) FailCall(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.errs, method)
		return
	}
	p.errs[method] = err
}

// Calls returns a copy of the call log.
func (p *Purifier) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// ResetCalls clears the call log.
func (p *Purifier) ResetCalls() {
	p.mu.Lock()
	p.calls = nil
	p.mu.Unlock()
}

// Property returns the current value of a property.
func (p *Purifier) Property(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props[key]
}

// Set changes a property as if the device had changed it and pushes the
// change to subscribers.
func (p *Purifier) Set(key string, value any) {
	p.mu.Lock()
	p.props[key] = value
	c := p.conn
	p.mu.Unlock()
	if c != nil {
		c.push(key, value)
	}
}

// Drop closes the live connection as if the device went offline.
func (p *Purifier) Drop() {
	p.mu.Lock()
	c := p.conn
	p.conn = nil
	p.mu.Unlock()
	if c != nil {
		c.drop()
	}
}

// Run drifts the sensor readings every interval until ctx is cancelled.
func (p *Purifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drift()
		}
	}
}

func (p *Purifier) drift() {
	p.mu.Lock()
	pm, _ := convert.ToFloat64(p.props["pm2.5"])
	temp, _ := convert.ToFloat64(p.props["temperature"])
	running := convert.ModeToActive(fmt.Sprint(p.props["mode"]))
	p.mu.Unlock()

	if running {
		pm -= float64(rand.IntN(4))
	} else {
		pm += float64(rand.IntN(6))
	}
	pm = max(pm, 1)
	temp = convert.RoundTenth(temp + (rand.Float64()-0.5)*0.2)

	p.Set("pm2.5", int(pm))
	p.Set("temperature", temp)
}

// call executes one RPC. It returns the result list and the property
// changes to push.
func (p *Purifier) call(method string, args []any) ([]any, map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Method: method, Args: args})
	if err, ok := p.errs[method]; ok {
		return nil, nil, err
	}
	if code, ok := p.results[method]; ok {
		return []any{code}, nil, nil
	}

	changed := make(map[string]any)
	set := func(key string, v any) {
		if p.props[key] != v {
			p.props[key] = v
			changed[key] = v
		}
	}

	switch method {
	case "get_prop":
		out := make([]any, len(args))
		for i, a := range args {
			out[i] = p.props[fmt.Sprint(a)]
		}
		return out, nil, nil
	case "set_power":
		on, err := onOffArg(args)
		if err != nil {
			return nil, nil, err
		}
		set("power", convert.OnOff(on))
		if on {
			set("mode", p.lastMode)
		} else {
			set("mode", convert.ModeIdle)
		}
	case "set_mode":
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("set_mode: want 1 argument, got %d", len(args))
		}
		mode := fmt.Sprint(args[0])
		switch mode {
		case convert.ModeAuto, convert.ModeSilent, convert.ModeFavorite:
			p.lastMode = mode
			set("power", "on")
		case convert.ModeIdle:
			set("power", "off")
		default:
			return []any{"error"}, nil, nil
		}
		set("mode", mode)
	case "set_level_favorite":
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("set_level_favorite: want 1 argument, got %d", len(args))
		}
		n, ok := convert.ToFloat64(args[0])
		if !ok || n < 0 || n > convert.MaxFavoriteLevel {
			return []any{"error"}, nil, nil
		}
		set("favorite_level", int(n))
	case "set_child_lock", "set_led", "set_buzzer":
		on, err := onOffArg(args)
		if err != nil {
			return nil, nil, err
		}
		key := method[len("set_"):]
		set(key, convert.OnOff(on))
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return []any{"ok"}, changed, nil
}

func onOffArg(args []any) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	return convert.ParseOnOff(args[0])
}
