// Package retrieval implements the grounded answer ladder: cached answers
// first, then exact compatibility lookups, then vector search, then a
// bounded live crawl as the last resort.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/livecrawl"
	"github.com/ruoliu2/partassist/internal/metrics"
)

// Confidence reported when both identifiers resolved but no stored edge
// links them. The listing pages are exhaustive enough that absence is
// evidence of incompatibility, just weaker than a stored edge.
const missConfidence = 0.45

// AnswerCache is the query-fingerprint cache in front of the ladder.
type AnswerCache interface {
	Get(ctx context.Context, query string) (catalog.RetrievalResult, error)
	Put(ctx context.Context, query string, result catalog.RetrievalResult) error
	Invalidate(ctx context.Context, query string) error
}

// LiveCrawler runs a bounded crawl anchored on the question's identifiers.
type LiveCrawler interface {
	Crawl(ctx context.Context, anchorURL string, keep func(string) bool) (livecrawl.Outcome, error)
}

// Config tunes the ladder.
type Config struct {
	VectorLimit      int
	SufficiencyFloor float64
}

// Engine answers queries from the stored catalog, escalating through the
// ladder only as far as needed.
type Engine struct {
	entities catalog.EntityStore
	cache    AnswerCache
	embedder catalog.Embedder
	live     LiveCrawler
	cfg      Config
	logger   *zap.Logger
}

// New builds an Engine. cache and live may be nil, which disables those
// rungs of the ladder.
func New(
	entities catalog.EntityStore,
	answerCache AnswerCache,
	embedder catalog.Embedder,
	live LiveCrawler,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.VectorLimit <= 0 {
		cfg.VectorLimit = 8
	}
	if cfg.SufficiencyFloor <= 0 {
		cfg.SufficiencyFloor = 0.35
	}
	return &Engine{
		entities: entities,
		cache:    answerCache,
		embedder: embedder,
		live:     live,
		cfg:      cfg,
		logger:   logger,
	}
}

// CheckCompatibility resolves whether a part fits a model. A stored edge
// answers immediately; otherwise a live crawl anchored on the model page is
// attempted before reporting a low-confidence negative.
func (e *Engine) CheckCompatibility(ctx context.Context, modelNumber, partNumber string) (catalog.CompatibilityResult, error) {
	start := time.Now()
	modelNorm := catalog.NormalizeIdentifier(modelNumber)
	partNorm := catalog.NormalizeIdentifier(partNumber)
	if modelNorm == "" || partNorm == "" {
		return catalog.CompatibilityResult{}, fmt.Errorf("compatibility check needs both a model and a part number")
	}

	res, err := e.entities.GetModelPart(ctx, modelNorm, partNorm)
	if err == nil {
		res.SourceURL = catalog.SanitizeSourceURL(res.SourceURL, modelNorm)
		metrics.ObserveRetrieval(string(catalog.SourceExact), time.Since(start))
		return res, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return catalog.CompatibilityResult{}, err
	}

	if e.live != nil {
		out, lerr := e.live.Crawl(ctx, catalog.ModelPageURL(modelNorm), livecrawl.ForIdentifiers(modelNorm, partNorm))
		if lerr != nil {
			e.logger.Warn("compatibility live crawl failed", zap.String("model", modelNorm), zap.Error(lerr))
		} else if out.PagesIngested > 0 {
			if res, err := e.entities.GetModelPart(ctx, modelNorm, partNorm); err == nil {
				res.SourceURL = catalog.SanitizeSourceURL(res.SourceURL, modelNorm)
				metrics.ObserveRetrieval(string(catalog.SourceLive), time.Since(start))
				return res, nil
			}
		}
	}

	metrics.ObserveRetrieval(string(catalog.SourceNone), time.Since(start))
	return catalog.CompatibilityResult{
		ModelNumber: modelNorm,
		PartNumber:  partNorm,
		Compatible:  false,
		Confidence:  missConfidence,
		SourceURL:   catalog.ModelPageURL(modelNorm),
	}, nil
}

// SearchContent returns scored snippets for a free-text query, merging
// keyword page matches with vector chunk matches.
func (e *Engine) SearchContent(ctx context.Context, query string, limit int) ([]catalog.Snippet, error) {
	if limit <= 0 {
		limit = e.cfg.VectorLimit
	}

	byURL := map[string]catalog.Snippet{}
	pages, err := e.entities.SearchPages(ctx, catalog.Tokenize(query), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	for _, s := range pages {
		byURL[s.URL] = s
	}

	chunks, err := e.vectorChunks(ctx, query)
	if err != nil {
		e.logger.Warn("vector search failed, keyword results only", zap.Error(err))
	}
	for _, c := range chunks {
		existing, ok := byURL[c.SourceURL]
		if !ok || c.Score > existing.Score {
			byURL[c.SourceURL] = catalog.Snippet{URL: c.SourceURL, Title: c.Title, Text: c.Chunk.Text, Score: c.Score}
		}
	}

	out := make([]catalog.Snippet, 0, len(byURL))
	for _, s := range byURL {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Retrieve climbs the ladder for a query and returns cited context. The
// result's Source reports which rung answered.
func (e *Engine) Retrieve(ctx context.Context, query string) (catalog.RetrievalResult, error) {
	start := time.Now()

	if e.cache != nil {
		if cached, err := e.cache.Get(ctx, query); err == nil {
			metrics.ObserveCacheLookup("hit")
			metrics.ObserveRetrieval(string(catalog.SourceCache), time.Since(start))
			cached.Source = catalog.SourceCache
			// An unexpired hit already answered this exact question.
			cached.Confidence = 1
			return cached, nil
		} else if !errors.Is(err, catalog.ErrNotFound) {
			e.logger.Warn("answer cache read failed", zap.Error(err))
		}
		metrics.ObserveCacheLookup("miss")
	}

	modelNorm := catalog.ExtractModelNumber(query)
	partNorm := catalog.ExtractPartNumber(query)

	if result, ok := e.exactRung(ctx, modelNorm, partNorm); ok {
		e.storeResult(ctx, query, result)
		metrics.ObserveRetrieval(string(catalog.SourceExact), time.Since(start))
		return result, nil
	}

	if result, ok, err := e.vectorRung(ctx, query); err != nil {
		return catalog.RetrievalResult{}, err
	} else if ok {
		e.storeResult(ctx, query, result)
		metrics.ObserveRetrieval(string(catalog.SourceVector), time.Since(start))
		return result, nil
	}

	result, err := e.liveRung(ctx, query, modelNorm, partNorm)
	if err != nil {
		return catalog.RetrievalResult{}, err
	}
	if result.Source == catalog.SourceLive {
		e.storeResult(ctx, query, result)
	}
	metrics.ObserveRetrieval(string(result.Source), time.Since(start))
	return result, nil
}

// exactRung answers model+part questions straight from the edge table.
func (e *Engine) exactRung(ctx context.Context, modelNorm, partNorm string) (catalog.RetrievalResult, bool) {
	if modelNorm == "" || partNorm == "" {
		return catalog.RetrievalResult{}, false
	}
	res, err := e.entities.GetModelPart(ctx, modelNorm, partNorm)
	if err != nil {
		return catalog.RetrievalResult{}, false
	}
	res.SourceURL = catalog.SanitizeSourceURL(res.SourceURL, modelNorm)
	return catalog.RetrievalResult{
		ContextChunks: []string{compatSentence(res)},
		Citations:     []catalog.Citation{{URL: res.SourceURL, Title: res.PartName}},
		Confidence:    res.Confidence,
		Source:        catalog.SourceExact,
	}, true
}

// vectorRung embeds the query and gathers nearest chunks, accepting the
// result only when the best match clears the sufficiency floor.
func (e *Engine) vectorRung(ctx context.Context, query string) (catalog.RetrievalResult, bool, error) {
	chunks, err := e.vectorChunks(ctx, query)
	if err != nil {
		return catalog.RetrievalResult{}, false, err
	}
	if len(chunks) == 0 || chunks[0].Score < e.cfg.SufficiencyFloor {
		return catalog.RetrievalResult{}, false, nil
	}
	return resultFromChunks(chunks, catalog.SourceVector), true, nil
}

// liveRung crawls from the question's anchor and retries the cheaper rungs
// against the fresh data.
func (e *Engine) liveRung(ctx context.Context, query, modelNorm, partNorm string) (catalog.RetrievalResult, error) {
	if e.live == nil {
		return catalog.RetrievalResult{Source: catalog.SourceNone}, nil
	}

	anchor := catalog.SearchURL(query)
	if modelNorm != "" {
		anchor = catalog.ModelPageURL(modelNorm)
	}
	out, err := e.live.Crawl(ctx, anchor, livecrawl.ForIdentifiers(modelNorm, partNorm))
	if err != nil {
		return catalog.RetrievalResult{}, fmt.Errorf("live crawl: %w", err)
	}
	if e.cache != nil {
		// Fresh catalog data supersedes whatever was cached for this query.
		if ierr := e.cache.Invalidate(ctx, query); ierr != nil {
			e.logger.Warn("answer cache invalidation failed", zap.Error(ierr))
		}
	}
	if out.Blocked {
		return catalog.RetrievalResult{Source: catalog.SourceNone}, nil
	}

	if result, ok := e.exactRung(ctx, modelNorm, partNorm); ok {
		result.Source = catalog.SourceLive
		return result, nil
	}
	chunks, err := e.vectorChunks(ctx, query)
	if err != nil {
		return catalog.RetrievalResult{}, err
	}
	if len(chunks) == 0 || chunks[0].Score < e.cfg.SufficiencyFloor {
		return catalog.RetrievalResult{Source: catalog.SourceNone}, nil
	}
	return resultFromChunks(chunks, catalog.SourceLive), nil
}

func (e *Engine) vectorChunks(ctx context.Context, query string) ([]catalog.ScoredChunk, error) {
	if e.embedder == nil {
		return nil, nil
	}
	vectors, err := e.embedder.Embed(ctx, []string{catalog.NormalizeQuery(query)})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	chunks, err := e.entities.SearchChunks(ctx, vectors[0], e.cfg.VectorLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return chunks, nil
}

func (e *Engine) storeResult(ctx context.Context, query string, result catalog.RetrievalResult) {
	if e.cache == nil || result.Confidence < e.cfg.SufficiencyFloor {
		return
	}
	if err := e.cache.Put(ctx, query, result); err != nil {
		e.logger.Warn("answer cache write failed", zap.Error(err))
	}
}

func resultFromChunks(chunks []catalog.ScoredChunk, source catalog.RetrievalSource) catalog.RetrievalResult {
	result := catalog.RetrievalResult{Source: source, Confidence: chunks[0].Score}
	seen := map[string]bool{}
	for _, c := range chunks {
		result.ContextChunks = append(result.ContextChunks, c.Chunk.Text)
		if !seen[c.SourceURL] {
			seen[c.SourceURL] = true
			result.Citations = append(result.Citations, catalog.Citation{
				URL:     c.SourceURL,
				Title:   c.Title,
				Snippet: snippetOf(c.Chunk.Text),
			})
		}
	}
	return result
}

func snippetOf(text string) string {
	const max = 200
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func compatSentence(res catalog.CompatibilityResult) string {
	name := res.PartName
	if name == "" {
		name = "part " + res.PartNumber
	}
	if res.Compatible {
		return fmt.Sprintf("%s (%s) is listed as compatible with model %s.", name, res.PartNumber, res.ModelNumber)
	}
	return fmt.Sprintf("%s (%s) is not listed for model %s.", name, res.PartNumber, res.ModelNumber)
}
