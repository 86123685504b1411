// Package cache provides the Redis-backed query answer cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// QueryCache caches retrieval results keyed by a fingerprint of the
// normalized query. Entries expire via Redis TTL and are invalidated
// explicitly when a live lookup writes fresh catalog data.
type QueryCache struct {
	client    *redis.Client
	hasher    catalog.Hasher
	keyPrefix string
	ttl       time.Duration
}

// New creates a QueryCache.
func New(client *redis.Client, hasher catalog.Hasher, keyPrefix string, ttl time.Duration) *QueryCache {
	if keyPrefix == "" {
		keyPrefix = "partassist"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &QueryCache{client: client, hasher: hasher, keyPrefix: keyPrefix, ttl: ttl}
}

// Fingerprint returns the cache key for a query. Queries differing only in
// whitespace or identifier formatting share a key.
func (c *QueryCache) Fingerprint(query string) (string, error) {
	normalized := catalog.NormalizeQuery(query)
	digest, err := c.hasher.Hash([]byte(normalized))
	if err != nil {
		return "", fmt.Errorf("fingerprint query: %w", err)
	}
	return c.keyPrefix + ":answer:" + digest, nil
}

// Get returns the cached result for the query, or ErrNotFound.
func (c *QueryCache) Get(ctx context.Context, query string) (catalog.RetrievalResult, error) {
	key, err := c.Fingerprint(query)
	if err != nil {
		return catalog.RetrievalResult{}, err
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return catalog.RetrievalResult{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.RetrievalResult{}, fmt.Errorf("get cached answer: %w", err)
	}
	var result catalog.RetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		return catalog.RetrievalResult{}, fmt.Errorf("unmarshal cached answer: %w", err)
	}
	return result, nil
}

// Put stores the result under the query's fingerprint with the cache TTL.
func (c *QueryCache) Put(ctx context.Context, query string, answer catalog.RetrievalResult) error {
	key, err := c.Fingerprint(query)
	if err != nil {
		return err
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal cached answer: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached answer: %w", err)
	}
	return nil
}

// Invalidate drops the cached answer for the query, if any.
func (c *QueryCache) Invalidate(ctx context.Context, query string) error {
	key, err := c.Fingerprint(query)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate cached answer: %w", err)
	}
	return nil
}
