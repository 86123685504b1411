package memory

import (
	"context"
	"sync"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// TraceStore is an in-memory catalog.TraceStore.
type TraceStore struct {
	mu      sync.RWMutex
	entries map[string][]catalog.TraceEntry
}

// NewTraceStore constructs a TraceStore.
func NewTraceStore() *TraceStore {
	return &TraceStore{entries: make(map[string][]catalog.TraceEntry)}
}

// Append records one trajectory entry.
func (s *TraceStore) Append(_ context.Context, entry catalog.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RunID] = append(s.entries[entry.RunID], entry)
	return nil
}

// List returns a run's trajectory in append order.
func (s *TraceStore) List(_ context.Context, runID string) ([]catalog.TraceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[runID]
	out := make([]catalog.TraceEntry, len(entries))
	copy(out, entries)
	return out, nil
}
