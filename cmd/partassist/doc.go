// Package main hosts the support service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, chat, compatibility,
//     trace and crawl endpoints. Chat answers stream over Server-Sent Events and
//     each streaming session can be cancelled by id from another connection.
//   - Agent loop: internal/agent.Runner primes the model with retrieved context,
//     executes tool calls against the retrieval engine, detects repeated calls,
//     and records every step in an append-only trace keyed by run id.
//   - Retrieval ladder: internal/retrieval.Engine answers from the Redis query
//     cache, then stored compatibility edges, then pgvector nearest-neighbor
//     search over doc chunks, and finally a bounded live crawl of partselect.com
//     anchored on the model page.
//   - Ingestion: internal/ingest workers lease URLs from a Postgres frontier,
//     fetch via Colly with optional Chromedp promotion, clean HTML to Markdown,
//     extract catalog entities, archive raw pages to GCS or local disk, embed
//     doc chunks via OpenAI, and publish lifecycle events to Pub/Sub.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     metrics middleware and /metrics handler.
//
// Operational notes:
//   - Without db.dsn the binary runs on in-memory stores, which suits local
//     development only; crawled state is lost on restart.
//   - Shutdown is coordinated via signal-driven context cancellation; in-flight
//     agent runs are bounded by the configured run budget.
//
// Run locally: go run ./cmd/partassist -config config.yaml, or rely on
// PARTASSIST_* env overrides. A one-shot crawl is available via ./cmd/ingest.
package main
