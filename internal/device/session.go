package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session owns one live connection to an air purifier. It is created by Open
// and released by Close; Done is closed when the device becomes unavailable
// or the session is closed, whichever happens first.
type Session struct {
	id       string
	identity Identity
	handle   Handle
	logger   *slog.Logger

	alive     atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Open connects to the device and verifies it is an air purifier. A device
// of any other kind is closed again and ErrWrongKind is returned.
func Open(ctx context.Context, t Transport, id Identity, logger *slog.Logger) (*Session, error) {
	h, err := t.Open(ctx, id)
	if err != nil {
		return nil, &Error{Op: "open", Method: id.Address, Err: err}
	}
	if h.Kind() != KindAirPurifier {
		_ = h.Close()
		return nil, fmt.Errorf("%w: %s reports %s (%s)", ErrWrongKind, id.Address, h.Kind(), h.Model())
	}

	s := &Session{
		id:       uuid.NewString(),
		identity: id,
		handle:   h,
		done:     make(chan struct{}),
	}
	s.logger = logger.With("component", "session", "session", s.id[:8], "address", id.Address)
	s.alive.Store(true)
	go s.watch()

	s.logger.Info("session opened", "model", h.Model())
	return s, nil
}

// watch marks the session dead when the transport reports the device gone.
func (s *Session) watch() {
	select {
	case <-s.handle.Done():
		s.logger.Warn("device unavailable")
		s.markDone()
	case <-s.done:
	}
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
	})
}

// ID is a random identifier used to correlate log lines.
func (s *Session) ID() string { return s.id }

// Identity returns the identity the session was opened with.
func (s *Session) Identity() Identity { return s.identity }

// Model returns the vendor model string reported by the device.
func (s *Session) Model() string { return s.handle.Model() }

// Alive reports whether the session can still be used.
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed once the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot performs one bulk state read and decodes it into events.
func (s *Session) Snapshot(ctx context.Context) ([]Event, error) {
	if !s.Alive() {
		return nil, &Error{Op: "state", Err: ErrClosed}
	}
	state, err := s.handle.State(ctx)
	if err != nil {
		return nil, &Error{Op: "state", Err: err}
	}
	return DecodeState(state), nil
}

// ReadProperty reads a single property from the device.
func (s *Session) ReadProperty(ctx context.Context, name string) (any, error) {
	if !s.Alive() {
		return nil, &Error{Op: "read", Method: name, Err: ErrClosed}
	}
	v, err := s.handle.ReadProperty(ctx, name)
	if err != nil {
		return nil, &Error{Op: "read", Method: name, Err: err}
	}
	return v, nil
}

// Call invokes a device method and returns the raw result list.
func (s *Session) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	if !s.Alive() {
		return nil, &Error{Op: "call", Method: method, Err: ErrClosed}
	}
	s.logger.Debug("call", "method", method, "args", args)
	res, err := s.handle.Call(ctx, method, args...)
	if err != nil {
		return nil, &Error{Op: "call", Method: method, Err: err}
	}
	return res, nil
}

// Subscribe decodes pushed property changes and passes them to handler.
// The returned function removes the subscription.
func (s *Session) Subscribe(handler func(Event)) func() {
	return s.handle.Subscribe(func(key string, value any) {
		handler(DecodeEvent(key, value))
	})
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.markDone()
		s.closeErr = s.handle.Close()
		s.logger.Info("session closed")
	})
	return s.closeErr
}
