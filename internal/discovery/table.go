// Package discovery finds the configured purifier and keeps one live session
// attached to the mirror, reconnecting after failures.
package discovery

import (
	"slices"
	"sync"
	"time"

	"purifier-go-home/internal/device"
)

// Announcement is a device appearing on or leaving the network.
type Announcement struct {
	ID      string
	Address string
	Model   string
	Token   string
	Removed bool
}

// Candidate is a discovered device that can be opened.
type Candidate struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Model    string    `json:"model"`
	Token    string    `json:"-"`
	LastSeen time.Time `json:"last_seen"`
}

// Key identifies a candidate: its ID, or the address when no ID is known.
func (c Candidate) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Address
}

// Identity returns the identity used to open the candidate.
func (c Candidate) Identity() device.Identity {
	return device.Identity{Address: c.Address, Token: c.Token, ID: c.ID}
}

// Table holds the devices currently announced on the network, in the order
// they first appeared. It is owned by one Supervisor.
type Table struct {
	mu      sync.Mutex
	order   []string
	entries map[string]Candidate
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Candidate)}
}

// Put inserts or refreshes a candidate.
func (t *Table) Put(c Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := c.Key()
	if _, ok := t.entries[key]; !ok {
		t.order = append(t.order, key)
	}
	t.entries[key] = c
}

// Remove deletes the candidate with the given key.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return
	}
	delete(t.entries, key)
	t.order = slices.DeleteFunc(t.order, func(k string) bool { return k == key })
}

// Get returns the candidate with the given key.
func (t *Table) Get(key string) (Candidate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[key]
	return c, ok
}

// List returns the candidates in insertion order.
func (t *Table) List() []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Candidate, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.entries[k])
	}
	return out
}

// Len returns the number of candidates.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
