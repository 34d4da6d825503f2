// Package presence maps usernames to the live connection currently serving
// them.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrHandleClosed = errors.New("presence: handle closed")
	ErrSendTimeout  = errors.New("presence: send timed out")
)

// Event is the envelope written to a connection.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Handle is one live connection. Handles are compared by identity.
type Handle interface {
	Username() string
	// Push hands ev to the transport. A nil error means the transport
	// accepted it; it says nothing about the peer having read it.
	Push(ctx context.Context, ev Event) error
}

// Registry is the directory of online users.
type Registry interface {
	// Register maps username to h, replacing any earlier handle.
	Register(username string, h Handle)
	Lookup(username string) (Handle, bool)
	// Unregister removes the entry only if it still points at h and
	// reports whether it did.
	Unregister(username string, h Handle) bool
	Online() []string
}

// Memory is an in-process Registry.
type Memory struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func NewMemory() *Memory {
	return &Memory{
		handles: make(map[string]Handle),
	}
}

// Register does not close the handle it replaces; the earlier connection
// stays open but no longer receives routed traffic.
func (m *Memory) Register(username string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[username] = h
}

func (m *Memory) Lookup(username string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[username]
	return h, ok
}

func (m *Memory) Unregister(username string, h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.handles[username]; ok && cur == h {
		delete(m.handles, username)
		return true
	}
	return false
}

// Online returns the registered usernames in sorted order.
func (m *Memory) Online() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
