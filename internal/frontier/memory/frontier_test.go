package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruoliu2/partassist/internal/catalog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := New(newFakeClock(), 3)

	require.NoError(t, f.Enqueue(ctx, "https://www.partselect.com/Models/WDT780SAEM1", "", false))
	require.NoError(t, f.Enqueue(ctx, "https://www.partselect.com/Models/WDT780SAEM1", "", false))

	pending, err := f.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestLeaseClaimsOnceAndCountsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := New(newFakeClock(), 3)
	require.NoError(t, f.Enqueue(ctx, "https://www.partselect.com/PS11750093-Kit.htm", "", false))

	entry, err := f.Lease(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.FrontierProcessing, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "worker-1", entry.LeaseOwner)

	_, err = f.Lease(ctx, "worker-2")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestLeaseNeverDoubleClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := New(newFakeClock(), 3)
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, f.Enqueue(ctx, catalog.SiteBaseURL+"/page-"+string(rune('a'+i%26))+"-"+string(rune('0'+i/26)), "", false))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, err := f.Lease(ctx, "w")
				if errors.Is(err, catalog.ErrNotFound) {
					return
				}
				mu.Lock()
				claimed[entry.URLCanonical]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for url, count := range claimed {
		assert.Equal(t, 1, count, "url %s leased more than once", url)
	}
}

func TestFailRequeuesUntilMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := New(newFakeClock(), 2)
	url := "https://www.partselect.com/Models/WDT780SAEM1"
	require.NoError(t, f.Enqueue(ctx, url, "", false))

	// First attempt fails, entry requeues.
	_, err := f.Lease(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, f.Fail(ctx, url, errors.New("boom")))

	entry, err := f.Lease(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)

	// Second failure exhausts attempts.
	require.NoError(t, f.Fail(ctx, url, errors.New("boom again")))
	_, err = f.Lease(ctx, "w")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	pending, err := f.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestReclaimReturnsStaleLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newFakeClock()
	f := New(clk, 3)
	url := "https://www.partselect.com/Models/WDT780SAEM1"
	require.NoError(t, f.Enqueue(ctx, url, "", false))

	_, err := f.Lease(ctx, "crashed-worker")
	require.NoError(t, err)

	// Fresh lease is not reclaimed.
	n, err := f.Reclaim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(2 * time.Minute)
	n, err = f.Reclaim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := f.Lease(ctx, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Attempts)
}

func TestForceRequeueResurrectsDone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := New(newFakeClock(), 3)
	url := "https://www.partselect.com/Models/WDT780SAEM1"
	require.NoError(t, f.Enqueue(ctx, url, "", false))

	_, err := f.Lease(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, f.Complete(ctx, url))

	// Plain enqueue leaves a done entry alone.
	require.NoError(t, f.Enqueue(ctx, url, "", false))
	_, err = f.Lease(ctx, "w")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, f.Enqueue(ctx, url, "", true))
	entry, err := f.Lease(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts, "force requeue resets attempts")
	assert.Equal(t, url, entry.URLCanonical)
}
