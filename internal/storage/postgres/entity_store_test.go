package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/ruoliu2/partassist/internal/catalog"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

type stubIDs struct{ id string }

func (g stubIDs) NewID() (string, error) { return g.id, nil }

func newTestStore(t *testing.T) (*EntityStore, pgxmock.PgxPoolIface, stubClock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	clk := stubClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := NewEntityStoreWithPool(mock, clk, stubIDs{id: "run-1"}, 3)
	require.NoError(t, err)
	return store, mock, clk
}

func TestBeginRunInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock, clk := newTestStore(t)

	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("run-1", catalog.RunModePrefetch, catalog.RunRunning, "seeded", clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.BeginRun(context.Background(), catalog.RunModePrefetch, "seeded")
	require.NoError(t, err)
	require.Equal(t, "run-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEndRunUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, mock, clk := newTestStore(t)

	mock.ExpectExec("UPDATE crawl_runs").
		WithArgs("missing", catalog.RunDone, clk.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.EndRun(context.Background(), "missing", catalog.RunDone)
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistExtractionUpsertsAllEntities(t *testing.T) {
	t.Parallel()

	store, mock, clk := newTestStore(t)
	now := clk.now

	page := catalog.CrawledPage{
		URLCanonical: "https://www.partselect.com/Models/WDT780SAEM1",
		URL:          "https://www.partselect.com/Models/WDT780SAEM1",
		RunID:        "run-1",
		ContentHash:  "abc123",
		PageKind:     catalog.PageKindModel,
		Status:       catalog.PageParsed,
		Title:        "WDT780SAEM1 Dishwasher Parts",
		CleanedText:  "parts list",
		FetchedAt:    now,
		ParsedAt:     now,
	}
	ex := catalog.Extraction{
		Page:  page,
		Model: &catalog.Model{ModelNumber: "WDT780SAEM1", Brand: "Whirlpool", ApplianceType: "Dishwasher", SourceURL: page.URL},
		Parts: []catalog.Part{{
			PartNumber: "PS11750093", Name: "Door Balance Link Kit", PriceValue: 36.75, SourceURL: page.URL,
		}},
		ModelParts: []catalog.PartLink{{PartNumber: "PS11750093", Confidence: 0.98, SourceURL: page.URL}},
		Docs: []catalog.Doc{{
			Kind: catalog.DocKindSummary, Title: "WDT780SAEM1 overview", Text: "parts list", SourceURL: page.URL,
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawled_pages").
		WithArgs(page.URLCanonical, page.URL, page.RunID, page.ContentHash, page.PageKind,
			page.Status, page.Title, page.CleanedText, page.LastError, page.FetchedAt, page.ParsedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO models").
		WithArgs("WDT780SAEM1", "Whirlpool", "Dishwasher", page.URL, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery("INSERT INTO parts").
		WithArgs("PS11750093", "", "Door Balance Link Kit", 36.75, page.URL, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec("INSERT INTO model_parts").
		WithArgs(int64(11), int64(21), 0.98, page.URL, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO docs").
		WithArgs(catalog.DocKindSummary, int64(11), int64(21), "WDT780SAEM1 overview", "parts list", page.URL, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectCommit()

	docs, err := store.PersistExtraction(context.Background(), ex)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, int64(31), docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistExtractionRejectsDanglingPartLink(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	ex := catalog.Extraction{
		Page: catalog.CrawledPage{URLCanonical: "https://www.partselect.com/Models/WDT780SAEM1"},
		Model: &catalog.Model{
			ModelNumber: "WDT780SAEM1",
			SourceURL:   "https://www.partselect.com/Models/WDT780SAEM1",
		},
		ModelParts: []catalog.PartLink{{PartNumber: "PS999", Confidence: 0.98}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawled_pages").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO models").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectRollback()

	_, err := store.PersistExtraction(context.Background(), ex)
	require.ErrorContains(t, err, "unextracted part")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetModelPartFound(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	rows := pgxmock.NewRows([]string{"model_number", "part_number", "confidence", "name", "price_value", "source_url"}).
		AddRow("WDT780SAEM1", "PS11750093", 0.98, "Door Balance Link Kit", 36.75, "https://www.partselect.com/PS11750093-Kit.htm")
	mock.ExpectQuery("SELECT (.+) FROM model_parts").
		WithArgs("WDT780SAEM1", "PS11750093").
		WillReturnRows(rows)

	result, err := store.GetModelPart(context.Background(), "WDT780SAEM1", "PS11750093")
	require.NoError(t, err)
	require.True(t, result.Compatible)
	require.Equal(t, 0.98, result.Confidence)
	require.Equal(t, "Door Balance Link Kit", result.PartName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetModelPartMissReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM model_parts").
		WithArgs("WDT780SAEM1", "PS000").
		WillReturnRows(pgxmock.NewRows([]string{"model_number"}))

	_, err := store.GetModelPart(context.Background(), "WDT780SAEM1", "PS000")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDocChunksReplacesRows(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	chunks := []catalog.DocChunk{
		{Seq: 0, Text: "first", Embedding: []float32{0.1, 0.2, 0.3}},
		{Seq: 1, Text: "second", Embedding: []float32{0.4, 0.5, 0.6}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM doc_chunks").
		WithArgs(int64(31)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO doc_chunks").
		WithArgs(int64(31), 0, "first", pgvector.NewVector(chunks[0].Embedding)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO doc_chunks").
		WithArgs(int64(31), 1, "second", pgvector.NewVector(chunks[1].Embedding)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpsertDocChunks(context.Background(), 31, chunks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchChunksScansScores(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	rows := pgxmock.NewRows([]string{"id", "doc_id", "seq", "text", "score", "source_url", "title"}).
		AddRow(int64(1), int64(31), 0, "install the kit", 0.91, "https://www.partselect.com/PS11750093-Kit.htm", "Install guide").
		AddRow(int64(2), int64(31), 1, "remove the door", 0.77, "https://www.partselect.com/PS11750093-Kit.htm", "Install guide")
	mock.ExpectQuery("SELECT (.+) FROM doc_chunks").
		WithArgs(pgvector.NewVector([]float32{0.1, 0.2, 0.3}), 2).
		WillReturnRows(rows)

	results, err := store.SearchChunks(context.Background(), []float32{0.1, 0.2, 0.3}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 0.91, results[0].Score)
	require.Equal(t, "Install guide", results[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchPagesEmptyTokens(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)

	snippets, err := store.SearchPages(context.Background(), nil, 5)
	require.NoError(t, err)
	require.Empty(t, snippets)
}

func TestSearchPagesRanksByTokenHits(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	rows := pgxmock.NewRows([]string{"url_canonical", "title", "text", "score"}).
		AddRow("https://www.partselect.com/Repair/Dishwasher/Not-Draining", "Dishwasher not draining", "check the pump", 3)
	mock.ExpectQuery("SELECT (.+) FROM crawled_pages").
		WithArgs("%dishwasher%", "%draining%", 5).
		WillReturnRows(rows)

	snippets, err := store.SearchPages(context.Background(), []string{"dishwasher", "draining"}, 5)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	require.Equal(t, 0.75, snippets[0].Score)
	require.NoError(t, mock.ExpectationsWereMet())
}
