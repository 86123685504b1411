// Package main runs a single ingestion crawl from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/clock/system"
	"github.com/ruoliu2/partassist/internal/config"
	"github.com/ruoliu2/partassist/internal/extract"
	collyfetcher "github.com/ruoliu2/partassist/internal/fetcher/colly"
	"github.com/ruoliu2/partassist/internal/fetcher/detector"
	headlessfetcher "github.com/ruoliu2/partassist/internal/fetcher/headless"
	memoryfrontier "github.com/ruoliu2/partassist/internal/frontier/memory"
	pgfrontier "github.com/ruoliu2/partassist/internal/frontier/postgres"
	"github.com/ruoliu2/partassist/internal/hash/sha256"
	"github.com/ruoliu2/partassist/internal/id/uuid"
	"github.com/ruoliu2/partassist/internal/ingest"
	"github.com/ruoliu2/partassist/internal/llm"
	"github.com/ruoliu2/partassist/internal/logging"
	"github.com/ruoliu2/partassist/internal/metrics"
	memorypublisher "github.com/ruoliu2/partassist/internal/publisher/memory"
	pubsubpublisher "github.com/ruoliu2/partassist/internal/publisher/pubsub"
	"github.com/ruoliu2/partassist/internal/storage/gcs"
	"github.com/ruoliu2/partassist/internal/storage/local"
	memorystorage "github.com/ruoliu2/partassist/internal/storage/memory"
	pgstorage "github.com/ruoliu2/partassist/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	modeFlag := flag.String("mode", string(catalog.RunModeIncremental), "Run mode: prefetch or incremental")
	seedsFlag := flag.String("seeds", "", "Comma-separated seed URLs (defaults to crawl.seed_urls)")
	force := flag.Bool("force", false, "Requeue URLs already marked done or failed")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	mode := catalog.RunMode(*modeFlag)
	if mode != catalog.RunModePrefetch && mode != catalog.RunModeIncremental {
		logger.Fatal("mode must be prefetch or incremental", zap.String("mode", *modeFlag))
	}
	var seeds []string
	for _, s := range strings.Split(*seedsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var (
		entities catalog.EntityStore
		frontier catalog.Frontier
	)
	if cfg.DB.DSN != "" {
		entityStore, err := pgstorage.NewEntityStore(ctx, pgstorage.EntityStoreConfig{
			DSN:       cfg.DB.DSN,
			MaxConns:  int32(cfg.DB.MaxOpenConns),
			EmbedDims: cfg.OpenAI.EmbedDims,
		}, clock, idGen)
		if err != nil {
			logger.Fatal("entity store init failed", zap.Error(err))
		}
		defer entityStore.Close()
		pgFrontier, err := pgfrontier.NewFrontier(ctx, pgfrontier.FrontierConfig{
			DSN:         cfg.DB.DSN,
			MaxConns:    int32(cfg.DB.MaxOpenConns),
			MaxAttempts: cfg.Crawl.MaxAttempts,
		}, clock)
		if err != nil {
			logger.Fatal("frontier init failed", zap.Error(err))
		}
		defer pgFrontier.Close()
		if err := entityStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("entity schema failed", zap.Error(err))
		}
		if err := pgFrontier.EnsureSchema(ctx); err != nil {
			logger.Fatal("frontier schema failed", zap.Error(err))
		}
		entities, frontier = entityStore, pgFrontier
	} else {
		logger.Warn("db.dsn not set, crawl results will not be persisted")
		entities = memorystorage.NewEntityStore(clock, idGen)
		frontier = memoryfrontier.New(clock, cfg.Crawl.MaxAttempts)
	}

	var blobs catalog.BlobStore
	if cfg.Storage.GCSBucket != "" {
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer client.Close()
		blobs, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
	} else {
		localStore, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			logger.Fatal("local blob store init failed", zap.Error(err))
		}
		blobs = localStore
	}

	var pub catalog.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		psPub := pubsubpublisher.New(client)
		defer psPub.Stop()
		pub = psPub
	} else {
		pub = memorypublisher.New()
	}

	llmClient := llm.New(cfg.OpenAI, logger.Named("llm"))

	detect := detector.NewHeuristic(cfg.Headless.PromotionThresh)
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawl.UserAgent,
		RespectRobots: true,
		Timeout:       cfg.FetchTimeout(),
	})
	var headless catalog.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		chromeFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawl.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			defer chromeFetcher.Close()
			headless = chromeFetcher
		}
	}

	cleaner := extract.NewCleaner()
	parser := extract.NewParser(cfg.Crawl.ChunkTokenTarget)
	retryPolicy := ingest.NewRetryPolicy(
		cfg.HTTP.MaxRetries,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)

	var workers []*ingest.Worker
	for i := 0; i < cfg.Crawl.Concurrency; i++ {
		workers = append(workers, ingest.NewWorker(
			frontier,
			entities,
			blobs,
			pub,
			hasher,
			clock,
			probe,
			headless,
			detect,
			llmClient,
			cleaner,
			parser,
			retryPolicy,
			ingest.WorkerConfig{
				ID:          fmt.Sprintf("worker-%d", i),
				BlobPrefix:  cfg.Storage.Prefix,
				ContentType: cfg.Storage.ContentType,
				Topic:       cfg.PubSub.TopicName,
				FetchDelay:  time.Duration(cfg.Crawl.DelayMs) * time.Millisecond,
			},
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	svc := ingest.NewService(frontier, entities, pub, workers, ingest.ServiceConfig{
		SeedURLs:     cfg.Crawl.SeedURLs,
		MaxPages:     cfg.Crawl.MaxPages,
		MaxDuration:  cfg.CrawlBudget(),
		LeaseTimeout: time.Duration(cfg.Crawl.LeaseTimeoutSec) * time.Second,
		ReclaimEvery: time.Duration(cfg.Crawl.ReclaimEverySec) * time.Second,
		Topic:        cfg.PubSub.TopicName,
	}, logger.Named("ingest"))

	summary, err := svc.Run(ctx, mode, seeds, *force)
	if err != nil {
		logger.Fatal("crawl run failed", zap.Error(err))
	}
	logger.Info("crawl run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", summary.Status),
		zap.Int64("pages_processed", summary.PagesProcessed),
		zap.Int64("pages_skipped", summary.PagesSkipped),
		zap.Int64("pages_failed", summary.PagesFailed),
	)
	if summary.Status != string(catalog.RunDone) {
		os.Exit(1)
	}
}
