package catalog

import (
	"context"
	"net/http"
	"time"
)

// Frontier is the persistent work queue of canonical URLs.
type Frontier interface {
	// Enqueue inserts a queued entry if the canonical URL is unseen.
	// Re-enqueueing a known URL is a no-op unless forceRequeue is set.
	Enqueue(ctx context.Context, urlCanonical, sourceURL string, forceRequeue bool) error
	// Lease atomically claims one queued entry for the worker. It returns
	// ErrNotFound when no work is available.
	Lease(ctx context.Context, workerID string) (FrontierEntry, error)
	// Complete marks the entry done.
	Complete(ctx context.Context, urlCanonical string) error
	// Fail records the error and requeues the entry while attempts remain.
	Fail(ctx context.Context, urlCanonical string, cause error) error
	// Reclaim returns processing entries older than the cutoff to queued.
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
	// PendingCount reports queued plus processing entries.
	PendingCount(ctx context.Context) (int, error)
}

// EntityStore persists crawled pages and the normalized catalog entities.
type EntityStore interface {
	BeginRun(ctx context.Context, mode RunMode, notes string) (string, error)
	EndRun(ctx context.Context, runID string, status RunStatus) error

	// PersistExtraction applies all entity writes for one page atomically
	// and returns the persisted docs with their row IDs so the caller can
	// embed and chunk them.
	PersistExtraction(ctx context.Context, ex Extraction) ([]Doc, error)
	GetPage(ctx context.Context, urlCanonical string) (CrawledPage, error)

	// GetModelPart resolves the compatibility edge for normalized
	// identifiers. ErrNotFound means the pair was never ingested.
	GetModelPart(ctx context.Context, modelNorm, partNorm string) (CompatibilityResult, error)
	GetModel(ctx context.Context, modelNorm string) (Model, error)

	UpsertDocChunks(ctx context.Context, docID int64, chunks []DocChunk) error
	SearchChunks(ctx context.Context, embedding []float32, limit int) ([]ScoredChunk, error)
	SearchPages(ctx context.Context, tokens []string, limit int) ([]Snippet, error)
}

// TraceStore records agent run trajectories append-only.
type TraceStore interface {
	Append(ctx context.Context, entry TraceEntry) error
	List(ctx context.Context, runID string) ([]TraceEntry, error)
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL         string
	Headers     http.Header
	UseHeadless bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Embedder turns text into vectors for the semantic fallback path.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Hasher computes digests for skip-if-unchanged re-processing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
