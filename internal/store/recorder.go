package store

import (
	"errors"
	"log/slog"

	"purifier-go-home/internal/discovery"
	"purifier-go-home/internal/mirror"
)

// Recorder adapts a Store to the supervisor's device recorder and the
// mirror's call journal.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder wraps s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger.With("component", "store")}
}

// RecordDevice upserts the device record for an opened candidate. The
// token is never written.
func (r *Recorder) RecordDevice(c discovery.Candidate) error {
	key := c.Key()
	err := r.store.UpdateDevice(key, func(dev *Device) error {
		dev.ID = c.ID
		dev.Address = c.Address
		if c.Model != "" {
			dev.Model = c.Model
		}
		dev.LastSeen = c.LastSeen
		dev.Connects++
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.store.SaveDevice(&Device{
		Key:       key,
		ID:        c.ID,
		Address:   c.Address,
		Model:     c.Model,
		FirstSeen: c.LastSeen,
		LastSeen:  c.LastSeen,
		Connects:  1,
	})
}

// Record appends a call record to the journal. Failures are logged.
func (r *Recorder) Record(rec mirror.CallRecord) {
	err := r.store.AppendJournal(&JournalEntry{
		Time:      rec.Time,
		SessionID: rec.SessionID,
		Method:    rec.Method,
		Args:      rec.Args,
		Delivery:  rec.Delivery,
		Result:    rec.Result,
		Error:     rec.Error,
	})
	if err != nil {
		r.logger.Warn("journal append failed", "method", rec.Method, "error", err)
	}
}
