package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// RunStats tracks per-run counters shared by the worker pool. MaxPages of
// zero means unbounded.
type RunStats struct {
	maxPages  int64
	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewRunStats builds counters with the given page budget.
func NewRunStats(maxPages int) *RunStats {
	return &RunStats{maxPages: int64(maxPages)}
}

// Exhausted reports whether the page budget has been spent.
func (s *RunStats) Exhausted() bool {
	if s.maxPages <= 0 {
		return false
	}
	return s.processed.Load()+s.skipped.Load() >= s.maxPages
}

// NoteProcessed records a fully ingested page.
func (s *RunStats) NoteProcessed() { s.processed.Add(1) }

// NoteSkipped records a content-unchanged page.
func (s *RunStats) NoteSkipped() { s.skipped.Add(1) }

// NoteFailed records a failed page.
func (s *RunStats) NoteFailed() { s.failed.Add(1) }

// Processed returns the ingested page count.
func (s *RunStats) Processed() int64 { return s.processed.Load() }

// Skipped returns the unchanged page count.
func (s *RunStats) Skipped() int64 { return s.skipped.Load() }

// Failed returns the failed page count.
func (s *RunStats) Failed() int64 { return s.failed.Load() }

// ServiceConfig controls a crawl run. MaxPages and MaxDuration of zero
// mean unbounded.
type ServiceConfig struct {
	SeedURLs     []string
	MaxPages     int
	MaxDuration  time.Duration
	LeaseTimeout time.Duration
	ReclaimEvery time.Duration
	Topic        string
}

// RunSummary reports the outcome of one crawl run.
type RunSummary struct {
	RunID          string `json:"run_id"`
	PagesProcessed int64  `json:"pages_processed"`
	PagesSkipped   int64  `json:"pages_skipped"`
	PagesFailed    int64  `json:"pages_failed"`
	Status         string `json:"status"`
}

// Service runs the worker pool over the frontier for one crawl run.
type Service struct {
	frontier catalog.Frontier
	entities catalog.EntityStore
	pub      catalog.Publisher
	workers  []*Worker
	cfg      ServiceConfig
	logger   *zap.Logger
}

// NewService constructs a Service over an already-built worker pool.
func NewService(
	frontier catalog.Frontier,
	entities catalog.EntityStore,
	pub catalog.Publisher,
	workers []*Worker,
	cfg ServiceConfig,
	logger *zap.Logger,
) *Service {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 2 * time.Minute
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = time.Minute
	}
	return &Service{
		frontier: frontier,
		entities: entities,
		pub:      pub,
		workers:  workers,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run seeds the frontier, fans out the workers, and blocks until the run
// finishes. A run finishes when the frontier drains, the page or time
// budget is spent, or the context is cancelled. Interrupted runs resume
// from the frontier on the next invocation.
func (s *Service) Run(ctx context.Context, mode catalog.RunMode, seeds []string, forceRequeue bool) (RunSummary, error) {
	runID, err := s.entities.BeginRun(ctx, mode, "")
	if err != nil {
		return RunSummary{}, fmt.Errorf("begin run: %w", err)
	}

	if len(seeds) == 0 {
		seeds = s.cfg.SeedURLs
	}
	if err := s.seed(ctx, seeds, forceRequeue); err != nil {
		_ = s.entities.EndRun(ctx, runID, catalog.RunFailed)
		return RunSummary{RunID: runID}, err
	}

	s.publishRunEvent(ctx, "run_started", runID, nil)

	stats := NewRunStats(s.cfg.MaxPages)
	var runCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	var reclaimWG sync.WaitGroup
	reclaimWG.Add(1)
	go func() {
		defer reclaimWG.Done()
		s.reclaimLoop(runCtx)
	}()

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(runCtx, runID, stats)
		}(w)
	}
	wg.Wait()
	cancel()
	reclaimWG.Wait()

	status := catalog.RunDone
	if ctx.Err() != nil {
		status = catalog.RunFailed
	}
	if err := s.entities.EndRun(context.WithoutCancel(ctx), runID, status); err != nil {
		s.logger.Error("end run failed", zap.String("run_id", runID), zap.Error(err))
	}

	summary := RunSummary{
		RunID:          runID,
		PagesProcessed: stats.Processed(),
		PagesSkipped:   stats.Skipped(),
		PagesFailed:    stats.Failed(),
		Status:         string(status),
	}
	s.publishRunEvent(context.WithoutCancel(ctx), "run_finished", runID, summary)
	s.logger.Info("crawl run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int64("processed", summary.PagesProcessed),
		zap.Int64("skipped", summary.PagesSkipped),
		zap.Int64("failed", summary.PagesFailed),
	)
	return summary, nil
}

func (s *Service) seed(ctx context.Context, seeds []string, forceRequeue bool) error {
	for _, raw := range seeds {
		canonical, err := catalog.CanonicalURL(raw)
		if err != nil {
			return fmt.Errorf("seed url %q: %w", raw, err)
		}
		if !catalog.InScope(canonical) {
			return fmt.Errorf("seed url %q is out of scope", raw)
		}
		if err := s.frontier.Enqueue(ctx, canonical, "", forceRequeue); err != nil {
			return fmt.Errorf("enqueue seed %q: %w", raw, err)
		}
	}
	return nil
}

// reclaimLoop periodically returns expired leases to the queue so pages
// held by crashed workers are retried.
func (s *Service) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.frontier.Reclaim(ctx, s.cfg.LeaseTimeout)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("frontier reclaim failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Info("reclaimed expired leases", zap.Int("count", n))
			}
		}
	}
}

func (s *Service) publishRunEvent(ctx context.Context, event, runID string, summary any) {
	if s.pub == nil || s.cfg.Topic == "" {
		return
	}
	payload := map[string]any{"event": event, "run_id": runID}
	if summary != nil {
		payload["summary"] = summary
	}
	if _, err := s.pub.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.logger.Warn("run event publish failed", zap.String("event", event), zap.Error(err))
	}
}
