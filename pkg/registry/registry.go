// Package registry maps a user to the single connection currently able to
// receive events for them.
package registry

import (
	"sync"

	"github.com/1F47E/geo-presence/pkg/models"
)

// Handle is a live, addressable connection
type Handle interface {
	// ID is unique per connection instance, never reused
	ID() string
	// Emit queues an event for the connection. Errors mean the frame was dropped.
	Emit(kind models.EventKind, payload any) error
	// Close terminates the connection; its disconnect path does the cleanup
	Close() error
}

// Registry holds at most one handle per user; the latest registration wins
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[string]Handle),
	}
}

// Register stores h as the user's connection and returns the handle it
// superseded, if any. The old handle is not closed here.
func (r *Registry) Register(userID string, h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[userID]
	r.entries[userID] = h
	if ok && prev.ID() == h.ID() {
		return nil, false
	}
	return prev, ok
}

// Lookup returns the user's live handle
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.entries[userID]
	return h, ok
}

// Unregister removes the entry only if it still points at h, so a late
// disconnect cannot evict a newer connection. Reports whether it removed.
func (r *Registry) Unregister(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[userID]
	if !ok || cur.ID() != h.ID() {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Len returns the number of registered users
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
