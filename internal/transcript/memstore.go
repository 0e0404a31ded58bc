package transcript

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory [Store]. Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]Entry)}
}

// Save appends the entry to the session's transcript.
func (s *MemStore) Save(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SessionID] = append(s.entries[e.SessionID], e)
	return nil
}

// BySession returns a copy of the session's entries ordered by segment id.
func (s *MemStore) BySession(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries[sessionID]))
	copy(out, s.entries[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out, nil
}
