package revocation

import (
	"context"
	"sync"
	"time"
)

const DefaultMaxEntries = 10000

// Memory is a process-local revocation set. Once it grows past maxEntries it is
// cleared wholesale, so a revoked token may become usable again until it expires.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	now        func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &Memory{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) Revoke(_ context.Context, token string, until time.Time) error {
	if token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[digest(token)] = until.UTC()
	if len(m.entries) > m.maxEntries {
		clear(m.entries)
	}

	return nil
}

func (m *Memory) IsRevoked(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	key := digest(token)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !until.IsZero() && !now.Before(until) {
		delete(m.entries, key)
		return false, nil
	}

	return true, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
