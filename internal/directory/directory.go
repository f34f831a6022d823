// Package directory publishes ConnectionEntry projections of registered
// connections so other processes can find where a connection lives.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/protocol/session"
)

var ErrMissingConnectionID = errors.New("directory: missing connection id")

// Directory stores one entry per connection id. Entries are replaced, never merged.
type Directory interface {
	Put(ctx context.Context, entry session.ConnectionEntry) error
	Remove(ctx context.Context, connectionID string) error
	Get(ctx context.Context, connectionID string) (session.ConnectionEntry, bool, error)
	List(ctx context.Context) ([]session.ConnectionEntry, error)
}

// Memory is the in-process Directory.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]session.ConnectionEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]session.ConnectionEntry)}
}

func (m *Memory) Put(_ context.Context, entry session.ConnectionEntry) error {
	id := strings.TrimSpace(entry.ConnectionID)
	if id == "" {
		return ErrMissingConnectionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = entry
	return nil
}

func (m *Memory) Remove(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strings.TrimSpace(connectionID))
	return nil
}

func (m *Memory) Get(_ context.Context, connectionID string) (session.ConnectionEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[strings.TrimSpace(connectionID)]
	return entry, ok, nil
}

func (m *Memory) List(_ context.Context) ([]session.ConnectionEntry, error) {
	m.mu.RLock()
	out := make([]session.ConnectionEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry)
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

// sortEntries orders by connect time, then id, so listings are stable.
func sortEntries(entries []session.ConnectionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.ConnectionTimeUTC.Equal(b.ConnectionTimeUTC) {
			return a.ConnectionTimeUTC.Before(b.ConnectionTimeUTC)
		}
		return a.ConnectionID < b.ConnectionID
	})
}
