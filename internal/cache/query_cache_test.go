package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/hash/sha256"
)

func newTestCache(t *testing.T) (*QueryCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, sha256.New(), "partassist", 30*time.Minute), mr
}

func TestQueryCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	answer := catalog.RetrievalResult{
		ContextChunks: []string{"Part PS11750093 (Door Balance Link Kit) fits model WDT780SAEM1."},
		Citations: []catalog.Citation{
			{URL: "https://www.partselect.com/PS11750093-Door-Balance-Link-Kit.htm", Title: "Door Balance Link Kit"},
		},
		Confidence: 0.98,
		Source:     catalog.SourceExact,
	}

	require.NoError(t, cache.Put(ctx, "Does PS11750093 fit my WDT780SAEM1?", answer))

	got, err := cache.Get(ctx, "does   ps11750093 fit my wdt780saem1?")
	require.NoError(t, err)
	assert.Equal(t, answer, got)
}

func TestQueryCacheMiss(t *testing.T) {
	cache, _ := newTestCache(t)

	_, err := cache.Get(context.Background(), "is this part in stock")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestQueryCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "how do I replace the drain pump", catalog.RetrievalResult{ContextChunks: []string{"steps"}}))
	require.NoError(t, cache.Invalidate(ctx, "How do I replace the drain pump"))

	_, err := cache.Get(ctx, "how do I replace the drain pump")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// Invalidating an absent key is not an error.
	require.NoError(t, cache.Invalidate(ctx, "never cached"))
}

func TestQueryCacheExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "what size is the door gasket", catalog.RetrievalResult{ContextChunks: []string{"answer"}}))

	mr.FastForward(31 * time.Minute)

	_, err := cache.Get(ctx, "what size is the door gasket")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
