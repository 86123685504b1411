// Package livecrawl performs small anchored crawls at question time when
// the stored catalog cannot answer a query.
package livecrawl

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/ingest"
	"github.com/ruoliu2/partassist/internal/metrics"
)

// PageProcessor runs the ingestion pipeline for one URL. Satisfied by
// ingest.Worker.
type PageProcessor interface {
	Process(ctx context.Context, runID, urlCanonical, sourceURL string) (ingest.Result, error)
}

// Outcome reports what a live crawl accomplished. Pages lists the canonical
// URLs that were actually ingested, in visit order.
type Outcome struct {
	RunID         string
	PagesIngested int
	Pages         []string
	Blocked       bool
}

// Crawler walks a handful of pages breadth-first from an anchor URL,
// ingesting each through the normal pipeline so results land in the same
// stores the retrieval ladder reads.
type Crawler struct {
	processor PageProcessor
	entities  catalog.EntityStore
	maxPages  int
	logger    *zap.Logger
}

// New builds a Crawler. maxPages bounds the whole walk, anchor included.
func New(processor PageProcessor, entities catalog.EntityStore, maxPages int, logger *zap.Logger) *Crawler {
	if maxPages <= 0 {
		maxPages = 5
	}
	return &Crawler{processor: processor, entities: entities, maxPages: maxPages, logger: logger}
}

// Crawl ingests the anchor and then discovered links accepted by keep,
// stopping at the page cap. A blocked fetch ends the walk immediately and
// is reported to the caller rather than treated as an error.
func (c *Crawler) Crawl(ctx context.Context, anchorURL string, keep func(string) bool) (Outcome, error) {
	return c.CrawlN(ctx, anchorURL, keep, 0)
}

// CrawlN is Crawl with a per-call page cap. maxPages is clamped to the
// crawler's configured cap; zero means use the configured cap.
func (c *Crawler) CrawlN(ctx context.Context, anchorURL string, keep func(string) bool, maxPages int) (Outcome, error) {
	limit := c.maxPages
	if maxPages > 0 && maxPages < limit {
		limit = maxPages
	}
	anchor, err := catalog.CanonicalURL(anchorURL)
	if err != nil {
		return Outcome{}, err
	}
	if !catalog.InScope(anchor) {
		return Outcome{}, errors.New("live crawl anchor is out of scope")
	}

	runID, err := c.entities.BeginRun(ctx, catalog.RunModeFallback, "live crawl from "+anchor)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{RunID: runID}

	queue := []string{anchor}
	seen := map[string]bool{anchor: true}
	for len(queue) > 0 && out.PagesIngested < limit {
		if ctx.Err() != nil {
			break
		}
		url := queue[0]
		queue = queue[1:]

		res, perr := c.processor.Process(ctx, runID, url, anchor)
		if perr != nil {
			if errors.Is(perr, catalog.ErrFetchBlocked) {
				c.logger.Warn("live crawl blocked", zap.String("url", url))
				out.Blocked = true
				break
			}
			c.logger.Warn("live crawl page failed", zap.String("url", url), zap.Error(perr))
			continue
		}
		out.PagesIngested++
		out.Pages = append(out.Pages, url)
		metrics.ObserveLiveCrawlPage()

		for _, link := range res.Discovered {
			if seen[link] || (keep != nil && !keep(link)) {
				continue
			}
			seen[link] = true
			queue = append(queue, link)
		}
	}

	status := catalog.RunDone
	if ctx.Err() != nil {
		status = catalog.RunFailed
	}
	if err := c.entities.EndRun(context.WithoutCancel(ctx), runID, status); err != nil {
		c.logger.Error("end live crawl run failed", zap.String("run_id", runID), zap.Error(err))
	}
	return out, nil
}

// ForIdentifiers keeps discovered links that stay on the question's model
// or part, so an anchored walk does not wander into the general catalog.
func ForIdentifiers(modelNumber, partNumber string) func(string) bool {
	model := strings.ToUpper(catalog.NormalizeIdentifier(modelNumber))
	part := strings.ToUpper(catalog.NormalizeIdentifier(partNumber))
	return func(link string) bool {
		upper := strings.ToUpper(link)
		if model != "" && strings.Contains(upper, model) {
			return true
		}
		if part != "" && strings.Contains(upper, part) {
			return true
		}
		return false
	}
}
