package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Nothing in it is used to seed
// the mirror; it only records what the bridge has seen and done.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(key string) (*Device, error)
	DeleteDevice(key string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(key string, fn func(dev *Device) error) error

	// Journal keeps the most recent device calls, oldest first.
	AppendJournal(e *JournalEntry) error
	ListJournal(limit int) ([]*JournalEntry, error)

	// Close the store
	Close() error
}
