// Package ingest implements the crawl and extraction pipeline that turns
// frontier entries into persisted catalog entities.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/extract"
	"github.com/ruoliu2/partassist/internal/metrics"
)

// Detector decides when a probe response needs headless rendering.
type Detector interface {
	ShouldPromote(resp catalog.FetchResponse) bool
}

// WorkerConfig controls Worker behavior.
type WorkerConfig struct {
	ID          string
	BlobPrefix  string
	ContentType string
	Topic       string
	IdleDelay   time.Duration
	FetchDelay  time.Duration
}

// Result summarizes one processed page.
type Result struct {
	Page       catalog.CrawledPage
	Skipped    bool
	Discovered []string
	DocsStored int
}

// Worker leases frontier entries and executes the fetch, clean, extract,
// persist and embed pipeline for each.
type Worker struct {
	frontier catalog.Frontier
	entities catalog.EntityStore
	blobs    catalog.BlobStore
	pub      catalog.Publisher
	hasher   catalog.Hasher
	clock    catalog.Clock
	probe    catalog.Fetcher
	headless catalog.Fetcher
	detector Detector
	embedder catalog.Embedder
	cleaner  *extract.Cleaner
	parser   *extract.Parser
	retry    *RetryPolicy
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(
	frontier catalog.Frontier,
	entities catalog.EntityStore,
	blobs catalog.BlobStore,
	pub catalog.Publisher,
	hasher catalog.Hasher,
	clock catalog.Clock,
	probe catalog.Fetcher,
	headless catalog.Fetcher,
	detector Detector,
	embedder catalog.Embedder,
	cleaner *extract.Cleaner,
	parser *extract.Parser,
	retry *RetryPolicy,
	cfg WorkerConfig,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	return &Worker{
		frontier: frontier,
		entities: entities,
		blobs:    blobs,
		pub:      pub,
		hasher:   hasher,
		clock:    clock,
		probe:    probe,
		headless: headless,
		detector: detector,
		embedder: embedder,
		cleaner:  cleaner,
		parser:   parser,
		retry:    retry,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run leases and processes entries until the context finishes, the page
// budget is exhausted, or the frontier drains.
func (w *Worker) Run(ctx context.Context, runID string, stats *RunStats) {
	for {
		if ctx.Err() != nil {
			return
		}
		if stats.Exhausted() {
			return
		}

		entry, err := w.frontier.Lease(ctx, w.cfg.ID)
		if errors.Is(err, catalog.ErrNotFound) {
			pending, perr := w.frontier.PendingCount(ctx)
			if perr == nil && pending == 0 {
				return
			}
			w.sleep(ctx, w.cfg.IdleDelay)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("frontier lease failed", zap.String("worker_id", w.cfg.ID), zap.Error(err))
			w.sleep(ctx, w.cfg.IdleDelay)
			continue
		}

		metrics.IncActiveWorkers()
		res, err := w.Process(ctx, runID, entry.URLCanonical, entry.SourceURL)
		metrics.DecActiveWorkers()

		if err != nil {
			stats.NoteFailed()
			metrics.ObserveIngestPage(string(catalog.ClassifyPage(entry.URLCanonical)), "failed", 0)
			w.logger.Warn("page processing failed",
				zap.String("url", entry.URLCanonical),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err),
			)
			if ferr := w.frontier.Fail(ctx, entry.URLCanonical, err); ferr != nil && ctx.Err() == nil {
				w.logger.Error("frontier fail update failed", zap.String("url", entry.URLCanonical), zap.Error(ferr))
			}
			continue
		}

		if res.Skipped {
			stats.NoteSkipped()
		} else {
			stats.NoteProcessed()
		}
		if cerr := w.frontier.Complete(ctx, entry.URLCanonical); cerr != nil && ctx.Err() == nil {
			w.logger.Error("frontier complete update failed", zap.String("url", entry.URLCanonical), zap.Error(cerr))
		}
		if w.cfg.FetchDelay > 0 {
			w.sleep(ctx, w.cfg.FetchDelay)
		}
	}
}

// Process runs the full pipeline for one canonical URL and returns what was
// extracted. The frontier is only touched for discovered links; callers own
// the lease lifecycle.
func (w *Worker) Process(ctx context.Context, runID, urlCanonical, sourceURL string) (Result, error) {
	resp, err := w.fetch(ctx, urlCanonical)
	if err != nil {
		return Result{}, err
	}

	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("hash body: %w", err)
	}

	if existing, gerr := w.entities.GetPage(ctx, urlCanonical); gerr == nil && existing.ContentHash == hash {
		metrics.ObserveIngestPage(string(existing.PageKind), "skipped", len(resp.Body))
		w.logger.Debug("content unchanged, skipping re-extraction", zap.String("url", urlCanonical))
		return Result{Page: existing, Skipped: true}, nil
	}

	if _, err := w.blobs.PutObject(ctx, w.blobPath(runID, hash), w.cfg.ContentType, resp.Body); err != nil {
		return Result{}, fmt.Errorf("archive raw page: %w", err)
	}

	html := string(resp.Body)
	markdown, err := w.cleaner.Markdown(html, resp.URL)
	if err != nil {
		return Result{}, fmt.Errorf("clean page: %w", err)
	}

	now := w.clock.Now()
	page := catalog.CrawledPage{
		URLCanonical: urlCanonical,
		URL:          resp.URL,
		RunID:        runID,
		ContentHash:  hash,
		PageKind:     catalog.ClassifyPage(urlCanonical),
		Status:       catalog.PageParsed,
		Title:        w.cleaner.Title(html),
		CleanedText:  markdown,
		FetchedAt:    now,
		ParsedAt:     now,
	}

	ex := w.parser.Parse(page)
	docs, err := w.entities.PersistExtraction(ctx, ex)
	if err != nil {
		return Result{}, fmt.Errorf("persist extraction: %w", err)
	}

	if err := w.embedDocs(ctx, docs); err != nil {
		return Result{}, err
	}

	for _, link := range ex.Discovered {
		if err := w.frontier.Enqueue(ctx, link, resp.URL, false); err != nil {
			w.logger.Warn("enqueue discovered link failed", zap.String("url", link), zap.Error(err))
		}
	}

	w.publishPage(ctx, runID, page, len(docs))
	metrics.ObserveIngestPage(string(page.PageKind), "parsed", len(resp.Body))

	return Result{Page: page, Discovered: ex.Discovered, DocsStored: len(docs)}, nil
}

// fetch probes the URL and promotes to headless rendering when the probe
// is blocked or its body looks script-rendered.
func (w *Worker) fetch(ctx context.Context, url string) (catalog.FetchResponse, error) {
	resp, err := w.fetchWithRetry(ctx, catalog.FetchRequest{URL: url})
	if err != nil {
		// A block against the plain client may still render through a
		// full browser, so try headless once before giving up.
		if errors.Is(err, catalog.ErrFetchBlocked) && w.headless != nil {
			rendered, herr := w.promote(ctx, url)
			if herr == nil {
				return rendered, nil
			}
			w.logger.Warn("headless fallback after block failed", zap.String("url", url), zap.Error(herr))
		}
		return catalog.FetchResponse{}, err
	}
	metrics.ObserveFetch("probe", resp.Duration)

	if w.detector == nil || w.headless == nil || !w.detector.ShouldPromote(resp) {
		return resp, nil
	}

	rendered, herr := w.promote(ctx, url)
	if herr != nil {
		w.logger.Warn("headless promotion failed, keeping probe body", zap.String("url", url), zap.Error(herr))
		return resp, nil
	}
	return rendered, nil
}

func (w *Worker) promote(ctx context.Context, url string) (catalog.FetchResponse, error) {
	resp, err := w.headless.Fetch(ctx, catalog.FetchRequest{URL: url, UseHeadless: true})
	if err != nil {
		return catalog.FetchResponse{}, err
	}
	resp.UsedHeadless = true
	metrics.ObserveFetch("headless", resp.Duration)
	metrics.ObserveHeadlessPromotion()
	return resp, nil
}

func (w *Worker) fetchWithRetry(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := w.probe.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err, attempt) {
			break
		}
		w.sleep(ctx, w.retry.Backoff(attempt))
		if ctx.Err() != nil {
			break
		}
	}
	return catalog.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
}

// embedDocs chunks every stored doc, embeds all chunks in one call, and
// upserts them per doc.
func (w *Worker) embedDocs(ctx context.Context, docs []catalog.Doc) error {
	if w.embedder == nil {
		return nil
	}

	type docChunks struct {
		docID int64
		texts []string
	}
	var plan []docChunks
	var allTexts []string
	for _, doc := range docs {
		texts := w.parser.ChunkDoc(doc.Text)
		if len(texts) == 0 {
			continue
		}
		plan = append(plan, docChunks{docID: doc.ID, texts: texts})
		allTexts = append(allTexts, texts...)
	}
	if len(allTexts) == 0 {
		return nil
	}

	vectors, err := w.embedder.Embed(ctx, allTexts)
	if err != nil {
		return fmt.Errorf("embed doc chunks: %w", err)
	}
	if len(vectors) != len(allTexts) {
		return fmt.Errorf("embed doc chunks: got %d vectors for %d chunks", len(vectors), len(allTexts))
	}

	offset := 0
	for _, dc := range plan {
		chunks := make([]catalog.DocChunk, len(dc.texts))
		for i, text := range dc.texts {
			chunks[i] = catalog.DocChunk{
				DocID:     dc.docID,
				Seq:       i,
				Text:      text,
				Embedding: vectors[offset+i],
			}
		}
		offset += len(dc.texts)
		if err := w.entities.UpsertDocChunks(ctx, dc.docID, chunks); err != nil {
			return fmt.Errorf("upsert doc chunks: %w", err)
		}
	}
	return nil
}

func (w *Worker) publishPage(ctx context.Context, runID string, page catalog.CrawledPage, docsStored int) {
	if w.pub == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":       "page_ingested",
		"run_id":      runID,
		"url":         page.URLCanonical,
		"page_kind":   string(page.PageKind),
		"hash":        page.ContentHash,
		"docs_stored": docsStored,
		"timestamp":   page.ParsedAt.Format(time.RFC3339),
	}
	if _, err := w.pub.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("page event publish failed", zap.String("url", page.URLCanonical), zap.Error(err))
	}
}

func (w *Worker) blobPath(runID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, runID, hash)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
