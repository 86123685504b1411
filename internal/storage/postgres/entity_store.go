// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/ruoliu2/partassist/internal/catalog"
)

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// EntityStoreConfig controls the Postgres connection pool for catalog rows.
type EntityStoreConfig struct {
	DSN       string
	MaxConns  int32
	EmbedDims int
}

// EntityStore persists crawled pages, catalog entities and doc chunks.
type EntityStore struct {
	pool      db
	clock     catalog.Clock
	ids       catalog.IDGenerator
	embedDims int
}

// NewEntityStore connects a pool with pgvector types registered.
func NewEntityStore(ctx context.Context, cfg EntityStoreConfig, clock catalog.Clock, ids catalog.IDGenerator) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newEntityStore(pool, clock, ids, cfg.EmbedDims), nil
}

// NewEntityStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewEntityStoreWithPool(pool db, clock catalog.Clock, ids catalog.IDGenerator, embedDims int) (*EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newEntityStore(pool, clock, ids, embedDims), nil
}

func newEntityStore(pool db, clock catalog.Clock, ids catalog.IDGenerator, embedDims int) *EntityStore {
	if embedDims <= 0 {
		embedDims = 1536
	}
	return &EntityStore{pool: pool, clock: clock, ids: ids, embedDims: embedDims}
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the catalog tables if they do not exist.
func (s *EntityStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("ensure vector extension: %w", err)
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS crawl_runs (
	id          TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS crawled_pages (
	url_canonical TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	run_id        TEXT NOT NULL REFERENCES crawl_runs(id),
	content_hash  TEXT NOT NULL,
	page_kind     TEXT NOT NULL,
	status        TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	cleaned_text  TEXT NOT NULL DEFAULT '',
	last_error    TEXT,
	fetched_at    TIMESTAMPTZ NOT NULL,
	parsed_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
	id             BIGSERIAL PRIMARY KEY,
	model_number   TEXT NOT NULL UNIQUE,
	brand          TEXT NOT NULL DEFAULT '',
	appliance_type TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS parts (
	id                BIGSERIAL PRIMARY KEY,
	part_number       TEXT NOT NULL UNIQUE,
	manufacturer_part TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	price_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_url        TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS model_parts (
	model_id   BIGINT NOT NULL REFERENCES models(id),
	part_id    BIGINT NOT NULL REFERENCES parts(id),
	confidence DOUBLE PRECISION NOT NULL,
	source_url TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (model_id, part_id)
);

CREATE TABLE IF NOT EXISTS docs (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT NOT NULL,
	model_id   BIGINT REFERENCES models(id),
	part_id    BIGINT REFERENCES parts(id),
	title      TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	source_url TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, source_url, title)
);

CREATE TABLE IF NOT EXISTS doc_chunks (
	id        BIGSERIAL PRIMARY KEY,
	doc_id    BIGINT NOT NULL REFERENCES docs(id) ON DELETE CASCADE,
	seq       INT NOT NULL,
	text      TEXT NOT NULL,
	embedding VECTOR(%d),
	UNIQUE (doc_id, seq)
);

CREATE INDEX IF NOT EXISTS doc_chunks_embedding_idx
	ON doc_chunks USING hnsw (embedding vector_cosine_ops)`, s.embedDims)
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	return nil
}

// BeginRun inserts a running crawl run and returns its ID.
func (s *EntityStore) BeginRun(ctx context.Context, mode catalog.RunMode, notes string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_runs (id, mode, status, notes, started_at)
VALUES ($1, $2, $3, $4, $5)`,
		id, mode, catalog.RunRunning, notes, s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// EndRun marks the run terminal and stamps the finish time.
func (s *EntityStore) EndRun(ctx context.Context, runID string, status catalog.RunStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_runs SET status = $2, finished_at = $3 WHERE id = $1`,
		runID, status, s.clock.Now())
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// PersistExtraction applies all writes for one parsed page in a single
// transaction: the page row, the model, the parts, the compatibility
// edges and the docs. Natural-key upserts make re-ingestion idempotent.
func (s *EntityStore) PersistExtraction(ctx context.Context, ex catalog.Extraction) ([]catalog.Doc, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin extraction tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	now := s.clock.Now()
	page := ex.Page
	_, err = tx.Exec(ctx, `
INSERT INTO crawled_pages (url_canonical, url, run_id, content_hash, page_kind, status, title, cleaned_text, last_error, fetched_at, parsed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
ON CONFLICT (url_canonical) DO UPDATE
SET url = EXCLUDED.url, run_id = EXCLUDED.run_id, content_hash = EXCLUDED.content_hash,
	page_kind = EXCLUDED.page_kind, status = EXCLUDED.status, title = EXCLUDED.title,
	cleaned_text = EXCLUDED.cleaned_text, last_error = EXCLUDED.last_error,
	fetched_at = EXCLUDED.fetched_at, parsed_at = EXCLUDED.parsed_at`,
		page.URLCanonical, page.URL, page.RunID, page.ContentHash, page.PageKind,
		page.Status, page.Title, page.CleanedText, page.LastError, page.FetchedAt, page.ParsedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert page %s: %w", page.URLCanonical, err)
	}

	var modelID int64
	if ex.Model != nil {
		err = tx.QueryRow(ctx, `
INSERT INTO models (model_number, brand, appliance_type, source_url, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (model_number) DO UPDATE
SET brand = COALESCE(NULLIF(EXCLUDED.brand, ''), models.brand),
	appliance_type = COALESCE(NULLIF(EXCLUDED.appliance_type, ''), models.appliance_type),
	source_url = EXCLUDED.source_url, updated_at = EXCLUDED.updated_at
RETURNING id`,
			ex.Model.ModelNumber, ex.Model.Brand, ex.Model.ApplianceType, ex.Model.SourceURL, now).
			Scan(&modelID)
		if err != nil {
			return nil, fmt.Errorf("upsert model %s: %w", ex.Model.ModelNumber, err)
		}
	}

	partIDs := make(map[string]int64, len(ex.Parts))
	for _, part := range ex.Parts {
		var id int64
		err = tx.QueryRow(ctx, `
INSERT INTO parts (part_number, manufacturer_part, name, price_value, source_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (part_number) DO UPDATE
SET manufacturer_part = COALESCE(NULLIF(EXCLUDED.manufacturer_part, ''), parts.manufacturer_part),
	name = COALESCE(NULLIF(EXCLUDED.name, ''), parts.name),
	price_value = CASE WHEN EXCLUDED.price_value > 0 THEN EXCLUDED.price_value ELSE parts.price_value END,
	source_url = EXCLUDED.source_url, updated_at = EXCLUDED.updated_at
RETURNING id`,
			part.PartNumber, part.ManufacturerPart, part.Name, part.PriceValue, part.SourceURL, now).
			Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert part %s: %w", part.PartNumber, err)
		}
		partIDs[part.PartNumber] = id
	}

	for _, link := range ex.ModelParts {
		if modelID == 0 {
			return nil, fmt.Errorf("model part link %s without model on page %s", link.PartNumber, page.URLCanonical)
		}
		partID, ok := partIDs[link.PartNumber]
		if !ok {
			return nil, fmt.Errorf("model part link to unextracted part %s on page %s", link.PartNumber, page.URLCanonical)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO model_parts (model_id, part_id, confidence, source_url, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (model_id, part_id) DO UPDATE
SET confidence = EXCLUDED.confidence,
	source_url = EXCLUDED.source_url, updated_at = EXCLUDED.updated_at`,
			modelID, partID, link.Confidence, link.SourceURL, now)
		if err != nil {
			return nil, fmt.Errorf("upsert model part %s: %w", link.PartNumber, err)
		}
	}

	persisted := make([]catalog.Doc, 0, len(ex.Docs))
	for _, doc := range ex.Docs {
		// Docs inherit the page's model and, for single-part pages, its part.
		var docModelID, docPartID any
		if modelID != 0 {
			docModelID = modelID
		}
		if doc.PartID != 0 {
			docPartID = doc.PartID
		} else if len(partIDs) == 1 {
			for _, id := range partIDs {
				docPartID = id
			}
		}
		var id int64
		err = tx.QueryRow(ctx, `
INSERT INTO docs (kind, model_id, part_id, title, text, source_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (kind, source_url, title) DO UPDATE
SET text = EXCLUDED.text, model_id = EXCLUDED.model_id, part_id = EXCLUDED.part_id,
	updated_at = EXCLUDED.updated_at
RETURNING id`,
			doc.Kind, docModelID, docPartID, doc.Title, doc.Text, doc.SourceURL, now).
			Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert doc %q: %w", doc.Title, err)
		}
		doc.ID = id
		doc.UpdatedAt = now
		persisted = append(persisted, doc)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit extraction tx: %w", err)
	}
	return persisted, nil
}

// GetPage fetches a crawled page by canonical URL.
func (s *EntityStore) GetPage(ctx context.Context, urlCanonical string) (catalog.CrawledPage, error) {
	var page catalog.CrawledPage
	err := s.pool.QueryRow(ctx, `
SELECT url_canonical, url, run_id, content_hash, page_kind, status, title, cleaned_text,
	COALESCE(last_error, ''), fetched_at, parsed_at
FROM crawled_pages WHERE url_canonical = $1`, urlCanonical).
		Scan(&page.URLCanonical, &page.URL, &page.RunID, &page.ContentHash, &page.PageKind,
			&page.Status, &page.Title, &page.CleanedText, &page.LastError, &page.FetchedAt, &page.ParsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.CrawledPage{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.CrawledPage{}, fmt.Errorf("get page %s: %w", urlCanonical, err)
	}
	return page, nil
}

// GetModelPart resolves a compatibility edge by normalized identifiers.
func (s *EntityStore) GetModelPart(ctx context.Context, modelNorm, partNorm string) (catalog.CompatibilityResult, error) {
	var result catalog.CompatibilityResult
	err := s.pool.QueryRow(ctx, `
SELECT m.model_number, p.part_number, mp.confidence, p.name, p.price_value, mp.source_url
FROM model_parts mp
JOIN models m ON m.id = mp.model_id
JOIN parts p ON p.id = mp.part_id
WHERE m.model_number = $1 AND p.part_number = $2`, modelNorm, partNorm).
		Scan(&result.ModelNumber, &result.PartNumber, &result.Confidence,
			&result.PartName, &result.PriceValue, &result.SourceURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.CompatibilityResult{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.CompatibilityResult{}, fmt.Errorf("get model part %s/%s: %w", modelNorm, partNorm, err)
	}
	result.Compatible = true
	return result, nil
}

// GetModel fetches a model by normalized model number.
func (s *EntityStore) GetModel(ctx context.Context, modelNorm string) (catalog.Model, error) {
	var model catalog.Model
	err := s.pool.QueryRow(ctx, `
SELECT id, model_number, brand, appliance_type, source_url, updated_at
FROM models WHERE model_number = $1`, modelNorm).
		Scan(&model.ID, &model.ModelNumber, &model.Brand, &model.ApplianceType,
			&model.SourceURL, &model.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Model{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Model{}, fmt.Errorf("get model %s: %w", modelNorm, err)
	}
	return model, nil
}

// UpsertDocChunks replaces the embedded chunks for a doc.
func (s *EntityStore) UpsertDocChunks(ctx context.Context, docID int64, chunks []catalog.DocChunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM doc_chunks WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("clear chunks for doc %d: %w", docID, err)
	}
	for _, chunk := range chunks {
		_, err := tx.Exec(ctx, `
INSERT INTO doc_chunks (doc_id, seq, text, embedding)
VALUES ($1, $2, $3, $4)`,
			docID, chunk.Seq, chunk.Text, pgvector.NewVector(chunk.Embedding))
		if err != nil {
			return fmt.Errorf("insert chunk %d/%d: %w", docID, chunk.Seq, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk tx: %w", err)
	}
	return nil
}

// SearchChunks returns the nearest chunks by cosine distance together with
// their citation data. Score is 1 minus the distance.
func (s *EntityStore) SearchChunks(ctx context.Context, embedding []float32, limit int) ([]catalog.ScoredChunk, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.doc_id, c.seq, c.text, 1 - (c.embedding <=> $1) AS score, d.source_url, d.title
FROM doc_chunks c
JOIN docs d ON d.id = c.doc_id
ORDER BY c.embedding <=> $1
LIMIT $2`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var results []catalog.ScoredChunk
	for rows.Next() {
		var sc catalog.ScoredChunk
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocID, &sc.Chunk.Seq, &sc.Chunk.Text,
			&sc.Score, &sc.SourceURL, &sc.Title); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return results, nil
}

// SearchPages ranks parsed pages by how many query tokens appear in the
// title or cleaned text.
func (s *EntityStore) SearchPages(ctx context.Context, tokens []string, limit int) ([]catalog.Snippet, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	var scoreTerms []string
	args := make([]any, 0, len(tokens)+1)
	for i, token := range tokens {
		args = append(args, "%"+token+"%")
		scoreTerms = append(scoreTerms,
			fmt.Sprintf("(title ILIKE $%d)::int + (cleaned_text ILIKE $%d)::int", i+1, i+1))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT url_canonical, title, left(cleaned_text, 600), score
FROM (
	SELECT url_canonical, title, cleaned_text, %s AS score
	FROM crawled_pages
	WHERE status = 'parsed'
) ranked
WHERE score > 0
ORDER BY score DESC, url_canonical
LIMIT $%d`, strings.Join(scoreTerms, " + "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()

	var snippets []catalog.Snippet
	for rows.Next() {
		var sn catalog.Snippet
		var score int
		if err := rows.Scan(&sn.URL, &sn.Title, &sn.Text, &score); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		sn.Score = float64(score) / float64(2*len(tokens))
		snippets = append(snippets, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rows: %w", err)
	}
	return snippets, nil
}
