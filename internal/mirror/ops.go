package mirror

import (
	"context"
	"fmt"
	"time"

	"purifier-go-home/internal/convert"
	"purifier-go-home/internal/device"
)

// Delivery states how a write reports the outcome of its device call.
type Delivery int

const (
	// Confirmed writes fail on transport errors and on any result other
	// than "ok".
	Confirmed Delivery = iota
	// Completed writes fail only on transport errors; the result is ignored.
	Completed
	// BestEffort writes log failures and always succeed once a session is
	// attached.
	BestEffort
)

func (d Delivery) String() string {
	switch d {
	case Confirmed:
		return "confirmed"
	case Completed:
		return "completed"
	default:
		return "best-effort"
	}
}

// CallRecord describes one device call made by the mirror.
type CallRecord struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Method    string    `json:"method"`
	Args      []any     `json:"args,omitempty"`
	Delivery  string    `json:"delivery"`
	Result    []any     `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Journal receives call records. Record is called on the writer's
// goroutine and should not block.
type Journal interface {
	Record(CallRecord)
}

// backgroundTimeout bounds a best-effort call that outlives its request.
const backgroundTimeout = 10 * time.Second

// SetActive switches the purifier on or off. It returns as soon as the
// set_power call is issued; the mirror follows the mode the device pushes
// afterwards.
func (m *Mirror) SetActive(ctx context.Context, on bool) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	m.background(ctx, s, "set_power", convert.OnOff(on))
	return nil
}

// background issues a best-effort call on its own goroutine. The call keeps
// ctx's values but not its cancellation.
func (m *Mirror) background(ctx context.Context, s *device.Session, method string, args ...any) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		m.call(ctx, s, BestEffort, method, args...)
	}()
}

// Wait blocks until every best-effort call issued so far has finished.
func (m *Mirror) Wait() { m.pending.Wait() }

// SetTargetState selects auto or manual (favorite) mode.
func (m *Mirror) SetTargetState(ctx context.Context, t convert.TargetState) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	mode := convert.TargetStateToMode(t)
	if _, err := m.call(ctx, s, Confirmed, "set_mode", mode); err != nil {
		return err
	}
	m.confirm(s, device.ModeChanged{Mode: mode})
	return nil
}

// SetRotationPercent sets the favorite fan level. The device must be in
// favorite mode for the level to take effect, so the mode is switched first
// when needed; that step is best-effort.
func (m *Mirror) SetRotationPercent(ctx context.Context, percent float64) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	v, err := s.ReadProperty(ctx, "mode")
	if err != nil {
		return fmt.Errorf("read mode: %w", err)
	}
	if mode, _ := v.(string); mode != convert.ModeFavorite {
		m.call(ctx, s, BestEffort, "set_mode", convert.ModeFavorite)
	}

	level := convert.PercentToFavoriteLevel(percent)
	if _, err := m.call(ctx, s, Confirmed, "set_level_favorite", level); err != nil {
		return err
	}
	m.confirm(s, device.FavoriteLevelChanged{Level: level})
	return nil
}

// SetLock enables or disables the child lock.
func (m *Mirror) SetLock(ctx context.Context, locked bool) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	_, err := m.call(ctx, s, Confirmed, "set_child_lock", convert.OnOff(locked))
	return err
}

// SetLED switches the display LED.
func (m *Mirror) SetLED(ctx context.Context, on bool) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	_, err := m.call(ctx, s, Completed, "set_led", convert.OnOff(on))
	return err
}

// SetBuzzer switches the buzzer.
func (m *Mirror) SetBuzzer(ctx context.Context, on bool) error {
	s := m.current()
	if s == nil {
		return device.ErrNotDiscovered
	}
	_, err := m.call(ctx, s, Completed, "set_buzzer", convert.OnOff(on))
	return err
}

// call issues one device call without holding the state lock and applies
// the delivery rule to its outcome.
func (m *Mirror) call(ctx context.Context, s *device.Session, d Delivery, method string, args ...any) ([]any, error) {
	res, err := s.Call(ctx, method, args...)
	if err == nil && d == Confirmed {
		err = device.CheckOK(method, res)
	}
	m.record(s, d, method, args, res, err)

	if err != nil {
		if d == BestEffort {
			m.logger.Warn("best-effort call failed", "method", method, "error", err)
			return res, nil
		}
		m.logger.Warn("call failed", "method", method, "error", err)
		return res, err
	}
	return res, nil
}

func (m *Mirror) record(s *device.Session, d Delivery, method string, args, res []any, err error) {
	if len(m.journals) == 0 {
		return
	}
	rec := CallRecord{
		Time:      time.Now(),
		SessionID: s.ID(),
		Method:    method,
		Args:      args,
		Delivery:  d.String(),
		Result:    res,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	for _, j := range m.journals {
		j.Record(rec)
	}
}

// confirm applies the effect of a confirmed write if s is still current.
func (m *Mirror) confirm(s *device.Session, e device.Event) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.publishLocked(m.applyLocked(e))
}
