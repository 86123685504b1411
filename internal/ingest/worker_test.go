package ingest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/extract"
	frontiermem "github.com/ruoliu2/partassist/internal/frontier/memory"
	"github.com/ruoliu2/partassist/internal/hash/sha256"
	"github.com/ruoliu2/partassist/internal/metrics"
	pubmem "github.com/ruoliu2/partassist/internal/publisher/memory"
	storagemem "github.com/ruoliu2/partassist/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

const partPageURL = "https://www.partselect.com/PS11750093-Whirlpool-WPW10348269-Door-Balance-Link-Kit.htm"

const partPageHTML = `<html>
<head><title>Door Balance Link Kit WPW10348269 | PartSelect</title></head>
<body>
<h1>Door Balance Link Kit</h1>
<p>PartSelect Number PS11750093. Price: $36.75</p>
<p>Fits model <a href="https://www.partselect.com/Models/WDT780SAEM1/">WDT780SAEM1</a>.</p>
<h2>Installation Instructions</h2>
<p>Remove the lower access panel, detach the old links, and clip the new kit onto both hinges.</p>
</body>
</html>`

const modelPageHTML = `<html>
<head><title>WDT780SAEM1 Whirlpool Dishwasher - Overview | PartSelect</title></head>
<body><h1>WDT780SAEM1 Whirlpool Dishwasher</h1><p>Model overview.</p></body>
</html>`

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type stubIDs struct {
	mu sync.Mutex
	n  int
}

func (g *stubIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return string(rune('a'+g.n-1)) + "-run", nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
	errs  map[string]error
	delay time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if err, ok := f.errs[req.URL]; ok {
		return catalog.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return catalog.FetchResponse{}, &catalog.FetchError{URL: req.URL, Err: errors.New("no fixture")}
	}
	return catalog.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, input []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	out := make([][]float32, len(input))
	for i := range input {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

func (b *fakeBlobStore) storedPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.paths))
	copy(out, b.paths)
	return out
}

type workerFixture struct {
	worker   *Worker
	frontier *frontiermem.Frontier
	entities *storagemem.EntityStore
	fetcher  *fakeFetcher
	embedder *fakeEmbedder
	blobs    *fakeBlobStore
	pub      *pubmem.Publisher
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	clk := stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fx := &workerFixture{
		frontier: frontiermem.New(clk, 3),
		entities: storagemem.NewEntityStore(clk, &stubIDs{}),
		fetcher:  newFakeFetcher(),
		embedder: &fakeEmbedder{},
		blobs:    &fakeBlobStore{},
		pub:      pubmem.New(),
	}
	fx.worker = NewWorker(
		fx.frontier,
		fx.entities,
		fx.blobs,
		fx.pub,
		sha256.New(),
		clk,
		fx.fetcher,
		nil,
		nil,
		fx.embedder,
		extract.NewCleaner(),
		extract.NewParser(400),
		NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
		WorkerConfig{ID: "worker-1", BlobPrefix: "pages", Topic: "ingest-events", IdleDelay: 5 * time.Millisecond},
		zap.NewNop(),
	)
	return fx
}

func TestWorkerProcessPartPage(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.pages[partPageURL] = partPageHTML
	ctx := context.Background()

	res, err := fx.worker.Process(ctx, "run-1", partPageURL, "")
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, catalog.PageKindPart, res.Page.PageKind)
	assert.Contains(t, res.Page.Title, "Door Balance Link Kit")

	page, err := fx.entities.GetPage(ctx, partPageURL)
	require.NoError(t, err)
	assert.Equal(t, "run-1", page.RunID)
	assert.NotEmpty(t, page.ContentHash)

	// The raw body is archived under the run and hash.
	paths := fx.blobs.storedPaths()
	require.Len(t, paths, 1)
	assert.Equal(t, "pages/run-1/"+page.ContentHash+".html", paths[0])

	// The model link is discovered and queued for the crawl.
	assert.Contains(t, res.Discovered, "https://www.partselect.com/Models/WDT780SAEM1")
	pending, err := fx.frontier.PendingCount(ctx)
	require.NoError(t, err)
	assert.Positive(t, pending)

	// Docs were embedded and an event was published.
	assert.Positive(t, res.DocsStored)
	assert.Equal(t, 1, fx.embedder.callCount())
	msgs := fx.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ingest-events", msgs[0].Topic)
}

func TestWorkerSkipsUnchangedContent(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.pages[partPageURL] = partPageHTML
	ctx := context.Background()

	first, err := fx.worker.Process(ctx, "run-1", partPageURL, "")
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := fx.worker.Process(ctx, "run-2", partPageURL, "")
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "run-1", second.Page.RunID)

	// No second archive, extraction, or embedding pass.
	assert.Len(t, fx.blobs.storedPaths(), 1)
	assert.Equal(t, 1, fx.embedder.callCount())
}

func TestWorkerBlockedFetchFailsWithoutRetry(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.errs[partPageURL] = &catalog.FetchError{
		URL:       partPageURL,
		Transient: true,
		Err:       catalog.ErrFetchBlocked,
	}

	_, err := fx.worker.Process(context.Background(), "run-1", partPageURL, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrFetchBlocked)
	assert.Equal(t, 1, fx.fetcher.callCount(partPageURL))
}

func TestWorkerBlockedProbeFallsBackToHeadless(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.errs[partPageURL] = &catalog.FetchError{
		URL:       partPageURL,
		Transient: true,
		Err:       catalog.ErrFetchBlocked,
	}
	rendered := newFakeFetcher()
	rendered.pages[partPageURL] = partPageHTML
	fx.worker.headless = rendered

	res, err := fx.worker.Process(context.Background(), "run-1", partPageURL, "")
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, catalog.PageParsed, res.Page.Status)
	assert.Equal(t, 1, fx.fetcher.callCount(partPageURL))
	assert.Equal(t, 1, rendered.callCount(partPageURL))
}

func TestWorkerBlockedProbeAndHeadlessSurfacesBlock(t *testing.T) {
	fx := newWorkerFixture(t)
	blocked := &catalog.FetchError{
		URL:       partPageURL,
		Transient: true,
		Err:       catalog.ErrFetchBlocked,
	}
	fx.fetcher.errs[partPageURL] = blocked
	rendered := newFakeFetcher()
	rendered.errs[partPageURL] = blocked
	fx.worker.headless = rendered

	_, err := fx.worker.Process(context.Background(), "run-1", partPageURL, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrFetchBlocked)
	assert.Equal(t, 1, rendered.callCount(partPageURL))
}

func TestWorkerRetriesTransientFetch(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.errs[partPageURL] = &catalog.FetchError{
		URL:       partPageURL,
		Transient: true,
		Err:       errors.New("connection reset"),
	}

	_, err := fx.worker.Process(context.Background(), "run-1", partPageURL, "")
	require.Error(t, err)
	assert.True(t, catalog.IsTransientFetch(err))
	// Initial attempt plus two retries.
	assert.Equal(t, 3, fx.fetcher.callCount(partPageURL))
}

func TestWorkerRunDrainsQueueAndCompletesEntries(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.pages[partPageURL] = partPageHTML
	fx.fetcher.pages["https://www.partselect.com/Models/WDT780SAEM1"] = modelPageHTML
	ctx := context.Background()

	require.NoError(t, fx.frontier.Enqueue(ctx, partPageURL, "", false))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fx.worker.Run(runCtx, "run-1", NewRunStats(0))

	pending, err := fx.frontier.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// Both the seed and the discovered model page were ingested.
	_, err = fx.entities.GetPage(ctx, partPageURL)
	require.NoError(t, err)
	_, err = fx.entities.GetPage(ctx, "https://www.partselect.com/Models/WDT780SAEM1")
	require.NoError(t, err)
}

func TestWorkerRunHonorsPageBudget(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.fetcher.pages[partPageURL] = partPageHTML
	fx.fetcher.pages["https://www.partselect.com/Models/WDT780SAEM1"] = modelPageHTML
	ctx := context.Background()

	require.NoError(t, fx.frontier.Enqueue(ctx, partPageURL, "", false))

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stats := NewRunStats(1)
	fx.worker.Run(runCtx, "run-1", stats)

	assert.EqualValues(t, 1, stats.Processed())
	_, err := fx.entities.GetPage(ctx, "https://www.partselect.com/Models/WDT780SAEM1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
