package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"purifier-go-home/internal/device"
)

// DefaultBackoff is the fixed delay between connection attempts.
const DefaultBackoff = 30 * time.Second

// ErrNoCandidate is returned by an attempt when no eligible device has been
// announced yet.
var ErrNoCandidate = errors.New("discovery: no eligible device")

// State is the supervisor's connection state.
type State int

const (
	Searching State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "searching"
}

// Announcer delivers device announcements until ctx is cancelled.
type Announcer interface {
	Announcements(ctx context.Context) (<-chan Announcement, error)
}

// Attacher receives every session the supervisor opens.
type Attacher interface {
	Attach(ctx context.Context, s *device.Session)
	Detach(s *device.Session)
}

// Recorder persists devices the supervisor connected to.
type Recorder interface {
	RecordDevice(c Candidate) error
}

// Config configures a Supervisor. Identity, Transport and Attacher are
// required; Announcer enables discovery mode.
type Config struct {
	Identity  device.Identity
	Transport device.Transport
	Announcer Announcer
	Backoff   time.Duration
	Table     *Table
	Attacher  Attacher
	Recorder  Recorder

	// OnState is called on every state change.
	OnState func(State)
	// OnAttempt is called after every open attempt with its outcome.
	OnAttempt func(err error)
}

// Supervisor runs the SEARCHING/CONNECTED loop for one device.
type Supervisor struct {
	cfg    Config
	table  *Table
	logger *slog.Logger

	state    atomic.Int32
	attempts atomic.Int64

	mu      sync.Mutex
	session *device.Session

	// wake cuts a backoff short when a new candidate is announced.
	wake chan struct{}
}

// New creates a supervisor. A zero Backoff means DefaultBackoff.
func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	table := cfg.Table
	if table == nil {
		table = NewTable()
	}
	return &Supervisor{
		cfg:    cfg,
		table:  table,
		logger: logger.With("component", "discovery"),
		wake:   make(chan struct{}, 1),
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts returns the number of open attempts made so far.
func (s *Supervisor) Attempts() int64 { return s.attempts.Load() }

// Table returns the discovered-device table.
func (s *Supervisor) Table() *Table { return s.table }

// Session returns the live session, or nil while searching.
func (s *Supervisor) Session() *device.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Run searches, connects and reconnects until ctx is cancelled. Failures
// are retried indefinitely at the fixed backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Announcer != nil {
		ch, err := s.cfg.Announcer.Announcements(ctx)
		if err != nil {
			return fmt.Errorf("start announcer: %w", err)
		}
		go s.consume(ctx, ch)
	}

	for {
		s.setState(Searching)
		sess, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("device not available, retrying", "error", err, "retry_in", s.cfg.Backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.Backoff):
			case <-s.wake:
				s.logger.Debug("new device announced, retrying now")
			}
			continue
		}

		s.serve(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve keeps sess attached until the device is lost or ctx is cancelled.
// A lost device keeps its table entry; only a removal announcement evicts
// it, so the next search can reopen it without waiting for a new one.
func (s *Supervisor) serve(ctx context.Context, sess *device.Session) {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	s.setState(Connected)
	s.cfg.Attacher.Attach(ctx, sess)

	select {
	case <-sess.Done():
		s.logger.Warn("device lost, searching again", "session", sess.ID())
	case <-ctx.Done():
	}

	s.cfg.Attacher.Detach(sess)
	sess.Close()
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

func (s *Supervisor) connect(ctx context.Context) (*device.Session, error) {
	if s.cfg.Announcer == nil {
		return s.open(ctx, Candidate{
			ID:      s.cfg.Identity.ID,
			Address: s.cfg.Identity.Address,
			Token:   s.cfg.Identity.Token,
		})
	}

	candidates := s.table.List()
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	var errs []error
	for _, c := range candidates {
		if c.Model != "" && device.ParseKind(c.Model) != device.KindAirPurifier {
			s.logger.Debug("skipping device of another kind", "id", c.ID, "model", c.Model)
			continue
		}
		sess, err := s.open(ctx, c)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoCandidate
	}
	return nil, errors.Join(errs...)
}

func (s *Supervisor) open(ctx context.Context, c Candidate) (*device.Session, error) {
	s.attempts.Add(1)
	sess, err := device.Open(ctx, s.cfg.Transport, c.Identity(), s.logger)
	if s.cfg.OnAttempt != nil {
		s.cfg.OnAttempt(err)
	}
	if err != nil {
		if errors.Is(err, device.ErrWrongKind) {
			s.logger.Info("device is not an air purifier", "address", c.Address)
		}
		return nil, err
	}

	if s.cfg.Recorder != nil {
		c.Model = sess.Model()
		c.LastSeen = time.Now()
		if err := s.cfg.Recorder.RecordDevice(c); err != nil {
			s.logger.Warn("record device failed", "error", err)
		}
	}
	return sess, nil
}

// consume applies announcements to the table.
func (s *Supervisor) consume(ctx context.Context, ch <-chan Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			s.announce(a)
		}
	}
}

func (s *Supervisor) announce(a Announcement) {
	c := Candidate{ID: a.ID, Address: a.Address, Model: a.Model, Token: a.Token, LastSeen: time.Now()}
	if a.Removed {
		s.table.Remove(c.Key())
		s.logger.Debug("device gone", "id", a.ID, "address", a.Address)
		return
	}
	if c.Token == "" {
		want := s.cfg.Identity.ID
		if want == "" || want == a.ID {
			c.Token = s.cfg.Identity.Token
		}
	}
	if c.Token == "" {
		s.logger.Debug("ignoring device without token", "id", a.ID, "address", a.Address)
		return
	}
	_, known := s.table.Get(c.Key())
	s.table.Put(c)
	s.logger.Debug("device announced", "id", a.ID, "address", a.Address, "model", a.Model)
	if !known {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.logger.Info("state changed", "state", st)
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}
