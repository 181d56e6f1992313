package store

import "time"

// Device is a purifier that has been successfully opened at least once.
type Device struct {
	Key       string    `json:"key"`
	ID        string    `json:"id,omitempty"`
	Address   string    `json:"address"`
	Model     string    `json:"model,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Connects  int       `json:"connects"`
}

// JournalEntry is one device call made on behalf of an accessory write.
// Seq is assigned by the store and increases monotonically.
type JournalEntry struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`
	Method    string    `json:"method"`
	Args      []any     `json:"args,omitempty"`
	Delivery  string    `json:"delivery"`
	Result    []any     `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}
