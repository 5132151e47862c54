// ABOUTME: In-memory Store implementation for tests and --dev runs.
// ABOUTME: Honors TTLs by expiry timestamps checked on read.

package contextstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	data      map[string]any
	expiresAt time.Time
}

// MemoryStore is a Store backed by process-local maps.
type MemoryStore struct {
	mu       sync.Mutex
	contexts map[string]entry
	sessions map[string]entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]entry),
		sessions: make(map[string]entry),
	}
}

// GetContext returns the stored context map, or nil if absent or expired.
func (s *MemoryStore) GetContext(_ context.Context, contextID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.contexts[contextID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.contexts, contextID)
		return nil, nil
	}

	out := make(map[string]any, len(e.data))
	for k, v := range e.data {
		out[k] = v
	}
	return out, nil
}

// UpdateContext merges fields into the stored context and refreshes its TTL.
func (s *MemoryStore) UpdateContext(_ context.Context, contextID string, fields map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.contexts[contextID]
	if !ok || time.Now().After(e.expiresAt) {
		e = entry{data: make(map[string]any, len(fields))}
	}
	for k, v := range fields {
		e.data[k] = v
	}
	e.expiresAt = time.Now().Add(ttl)
	s.contexts[contextID] = e
	return nil
}

// SaveSession records session data for a user.
func (s *MemoryStore) SaveSession(_ context.Context, userID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	s.sessions[userID] = entry{data: copied, expiresAt: time.Now().Add(DefaultSessionTTL)}
	return nil
}

// Session returns stored session data for a user, or nil. Test helper.
func (s *MemoryStore) Session(userID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[userID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil
	}
	return e.data
}
