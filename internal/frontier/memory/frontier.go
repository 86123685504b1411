// Package memory provides a frontier implementation for local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// Frontier is an in-memory catalog.Frontier guarded by a mutex. Lease order
// follows discovery order.
type Frontier struct {
	mu          sync.Mutex
	entries     map[string]*catalog.FrontierEntry
	queued      []string
	clock       catalog.Clock
	maxAttempts int
}

// New constructs a Frontier. Entries whose attempts reach maxAttempts on
// failure move to failed instead of requeueing.
func New(clock catalog.Clock, maxAttempts int) *Frontier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Frontier{
		entries:     make(map[string]*catalog.FrontierEntry),
		clock:       clock,
		maxAttempts: maxAttempts,
	}
}

// Enqueue inserts a queued entry for an unseen canonical URL. Known URLs are
// left alone unless forceRequeue is set, which requeues done/failed entries.
func (f *Frontier) Enqueue(_ context.Context, urlCanonical, sourceURL string, forceRequeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	entry, seen := f.entries[urlCanonical]
	if !seen {
		f.entries[urlCanonical] = &catalog.FrontierEntry{
			URLCanonical: urlCanonical,
			Status:       catalog.FrontierQueued,
			SourceURL:    sourceURL,
			DiscoveredAt: now,
			UpdatedAt:    now,
		}
		f.queued = append(f.queued, urlCanonical)
		return nil
	}

	if !forceRequeue {
		return nil
	}
	if entry.Status == catalog.FrontierQueued || entry.Status == catalog.FrontierProcessing {
		return nil
	}
	entry.Status = catalog.FrontierQueued
	entry.Attempts = 0
	entry.LastError = ""
	entry.UpdatedAt = now
	f.queued = append(f.queued, urlCanonical)
	return nil
}

// Lease claims the oldest queued entry for the worker, incrementing its
// attempt counter. ErrNotFound signals an empty queue.
func (f *Frontier) Lease(_ context.Context, workerID string) (catalog.FrontierEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queued) > 0 {
		key := f.queued[0]
		f.queued = f.queued[1:]
		entry, ok := f.entries[key]
		if !ok || entry.Status != catalog.FrontierQueued {
			continue
		}
		entry.Status = catalog.FrontierProcessing
		entry.Attempts++
		entry.LeaseOwner = workerID
		entry.UpdatedAt = f.clock.Now()
		return *entry, nil
	}
	return catalog.FrontierEntry{}, catalog.ErrNotFound
}

// Complete marks the entry done and releases its lease.
func (f *Frontier) Complete(_ context.Context, urlCanonical string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[urlCanonical]
	if !ok {
		return catalog.ErrNotFound
	}
	entry.Status = catalog.FrontierDone
	entry.LeaseOwner = ""
	entry.UpdatedAt = f.clock.Now()
	return nil
}

// Fail records the cause and requeues the entry while attempts remain.
func (f *Frontier) Fail(_ context.Context, urlCanonical string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[urlCanonical]
	if !ok {
		return catalog.ErrNotFound
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.LeaseOwner = ""
	entry.UpdatedAt = f.clock.Now()
	if entry.Attempts >= f.maxAttempts {
		entry.Status = catalog.FrontierFailed
		return nil
	}
	entry.Status = catalog.FrontierQueued
	f.queued = append(f.queued, urlCanonical)
	return nil
}

// Reclaim requeues processing entries whose lease is older than the cutoff.
func (f *Frontier) Reclaim(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.clock.Now().Add(-olderThan)
	reclaimed := 0
	for key, entry := range f.entries {
		if entry.Status != catalog.FrontierProcessing || entry.UpdatedAt.After(cutoff) {
			continue
		}
		entry.Status = catalog.FrontierQueued
		entry.LeaseOwner = ""
		entry.UpdatedAt = f.clock.Now()
		f.queued = append(f.queued, key)
		reclaimed++
	}
	return reclaimed, nil
}

// PendingCount reports queued plus processing entries.
func (f *Frontier) PendingCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := 0
	for _, entry := range f.entries {
		if entry.Status == catalog.FrontierQueued || entry.Status == catalog.FrontierProcessing {
			pending++
		}
	}
	return pending, nil
}
