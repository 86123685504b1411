package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ruoliu2/partassist/internal/catalog"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func newStubClock() stubClock {
	return stubClock{now: time.Unix(1700000000, 0).UTC()}
}

func TestEnqueueInsertsQueuedEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	url := "https://www.partselect.com/Models/WDT780SAEM1"
	mock.ExpectExec("INSERT INTO crawl_frontier").
		WithArgs(url, "https://www.partselect.com", clk.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, f.Enqueue(context.Background(), url, "https://www.partselect.com", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseClaimsAndIncrementsAttempts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	url := "https://www.partselect.com/PS11750093-Kit.htm"
	rows := pgxmock.NewRows([]string{
		"url_canonical", "status", "attempts", "source_url",
		"discovered_at", "updated_at", "lease_owner", "last_error",
	}).AddRow(url, catalog.FrontierProcessing, 1, "", clk.now, clk.now, "worker-1", "")

	mock.ExpectQuery("UPDATE crawl_frontier").
		WithArgs("worker-1", clk.now).
		WillReturnRows(rows)

	entry, err := f.Lease(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, url, entry.URLCanonical)
	require.Equal(t, catalog.FrontierProcessing, entry.Status)
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, "worker-1", entry.LeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsNotFoundWhenEmpty(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE crawl_frontier").
		WithArgs("worker-1", clk.now).
		WillReturnRows(pgxmock.NewRows([]string{"url_canonical"}))

	_, err = f.Lease(context.Background(), "worker-1")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMarksDone(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	url := "https://www.partselect.com/Models/WDT780SAEM1"
	mock.ExpectExec("UPDATE crawl_frontier").
		WithArgs(url, clk.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, f.Complete(context.Background(), url))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPassesMaxAttempts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 5)
	require.NoError(t, err)

	url := "https://www.partselect.com/Models/WDT780SAEM1"
	mock.ExpectExec("UPDATE crawl_frontier").
		WithArgs(url, 5, "fetch blocked", clk.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, f.Fail(context.Background(), url, errors.New("fetch blocked")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailUnknownURLReturnsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_frontier").
		WithArgs("https://www.partselect.com/unknown", 3, "boom", clk.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = f.Fail(context.Background(), "https://www.partselect.com/unknown", errors.New("boom"))
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimCountsRequeuedEntries(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clk := newStubClock()
	f, err := NewFrontierWithPool(mock, clk, 3)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_frontier").
		WithArgs(clk.now.Add(-2*time.Minute), clk.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := f.Reclaim(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	f, err := NewFrontierWithPool(mock, newStubClock(), 3)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := f.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
