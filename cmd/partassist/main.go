// Package main wires together the support service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/agent"
	"github.com/ruoliu2/partassist/internal/api"
	"github.com/ruoliu2/partassist/internal/cache"
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
	"github.com/ruoliu2/partassist/internal/livecrawl"
	"github.com/ruoliu2/partassist/internal/llm"
	"github.com/ruoliu2/partassist/internal/logging"
	"github.com/ruoliu2/partassist/internal/metrics"
	memorypublisher "github.com/ruoliu2/partassist/internal/publisher/memory"
	pubsubpublisher "github.com/ruoliu2/partassist/internal/publisher/pubsub"
	"github.com/ruoliu2/partassist/internal/retrieval"
	"github.com/ruoliu2/partassist/internal/storage/gcs"
	"github.com/ruoliu2/partassist/internal/storage/local"
	memorystorage "github.com/ruoliu2/partassist/internal/storage/memory"
	pgstorage "github.com/ruoliu2/partassist/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var (
		entities catalog.EntityStore
		frontier catalog.Frontier
		traces   catalog.TraceStore
	)
	if cfg.DB.DSN != "" {
		pool, err := newPostgresPool(ctx, cfg.DB)
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pool.Close()

		entityStore, err := pgstorage.NewEntityStoreWithPool(pool, clock, idGen, cfg.OpenAI.EmbedDims)
		if err != nil {
			logger.Fatal("entity store init failed", zap.Error(err))
		}
		pgFrontier, err := pgfrontier.NewFrontierWithPool(pool, clock, cfg.Crawl.MaxAttempts)
		if err != nil {
			logger.Fatal("frontier init failed", zap.Error(err))
		}
		traceStore, err := pgstorage.NewTraceStoreWithPool(pool)
		if err != nil {
			logger.Fatal("trace store init failed", zap.Error(err))
		}
		if err := entityStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("entity schema failed", zap.Error(err))
		}
		if err := pgFrontier.EnsureSchema(ctx); err != nil {
			logger.Fatal("frontier schema failed", zap.Error(err))
		}
		if err := traceStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("trace schema failed", zap.Error(err))
		}
		entities, frontier, traces = entityStore, pgFrontier, traceStore
	} else {
		logger.Warn("db.dsn not set, using in-memory stores")
		entities = memorystorage.NewEntityStore(clock, idGen)
		frontier = memoryfrontier.New(clock, cfg.Crawl.MaxAttempts)
		traces = memorystorage.NewTraceStore()
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			logger.Warn("redis close failed", zap.Error(closeErr))
		}
	}()
	answerCache := cache.New(rdb, hasher, cfg.Redis.KeyPrefix, cfg.CacheTTL())

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

	crawlSvc := ingest.NewService(frontier, entities, pub, workers, ingest.ServiceConfig{
		SeedURLs:     cfg.Crawl.SeedURLs,
		MaxPages:     cfg.Crawl.MaxPages,
		MaxDuration:  cfg.CrawlBudget(),
		LeaseTimeout: time.Duration(cfg.Crawl.LeaseTimeoutSec) * time.Second,
		ReclaimEvery: time.Duration(cfg.Crawl.ReclaimEverySec) * time.Second,
		Topic:        cfg.PubSub.TopicName,
	}, logger.Named("ingest"))

	liveCrawler := livecrawl.New(workers[0], entities, cfg.Retrieval.LiveCrawlMaxPages, logger.Named("livecrawl"))

	engine := retrieval.New(entities, answerCache, llmClient, liveCrawler, retrieval.Config{
		VectorLimit:      cfg.Retrieval.VectorLimit,
		SufficiencyFloor: cfg.Retrieval.SufficiencyFloor,
	}, logger.Named("retrieval"))

	runner := agent.NewRunner(llmClient, engine, liveCrawler, traces, clock, idGen, agent.Config{
		StepLimit:      cfg.Agent.StepLimit,
		StallThreshold: cfg.Agent.StallThreshold,
		StepTimeout:    time.Duration(cfg.Agent.StepTimeoutSeconds) * time.Second,
		RunBudget:      cfg.RunBudget(),
	}, logger.Named("agent"))

	apiServer := api.NewServer(runner, engine, traces, crawlSvc, idGen, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newPostgresPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}
