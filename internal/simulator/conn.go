package simulator

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"purifier-go-home/internal/device"
)

// conn is one connection to the simulated purifier.
type conn struct {
	p *Purifier

	mu       sync.Mutex
	handlers map[int]func(string, any)
	nextID   int
	done     chan struct{}
	dropped  bool
}

func (c *conn) Kind() device.Kind { return device.ParseKind(c.p.model) }
func (c *conn) Model() string     { return c.p.model }

func (c *conn) State(ctx context.Context) (map[string]any, error) {
	if c.isDropped() {
		return nil, ErrUnreachable
	}
	c.p.mu.Lock()
	if err := c.p.errs["state"]; err != nil {
		c.p.mu.Unlock()
		return nil, err
	}
	state := maps.Clone(c.p.props)
	c.p.mu.Unlock()

	if t, ok := state["temperature"]; ok {
		state["temperature"] = map[string]any{"value": t, "unit": "celsius"}
	}
	return state, nil
}

func (c *conn) ReadProperty(ctx context.Context, name string) (any, error) {
	if c.isDropped() {
		return nil, ErrUnreachable
	}
	res, err := c.Call(ctx, "get_prop", name)
	if err != nil {
		return nil, err
	}
	if len(res) != 1 || res[0] == nil {
		return nil, fmt.Errorf("simulator: no property %q", name)
	}
	return res[0], nil
}

func (c *conn) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isDropped() {
		return nil, ErrUnreachable
	}
	res, changed, err := c.p.call(method, args)
	if err != nil {
		return nil, err
	}
	keys := slices.Sorted(maps.Keys(changed))
	for _, k := range keys {
		c.push(k, changed[k])
	}
	return res, nil
}

func (c *conn) Subscribe(handler func(string, any)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *conn) push(key string, value any) {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	ids := slices.Sorted(maps.Keys(c.handlers))
	handlers := make([]func(string, any), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(key, value)
	}
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Close() error {
	c.drop()
	c.p.mu.Lock()
	if c.p.conn == c {
		c.p.conn = nil
	}
	c.p.mu.Unlock()
	return nil
}

func (c *conn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return
	}
	c.dropped = true
	c.handlers = map[int]func(string, any){}
	close(c.done)
}

func (c *conn) isDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
