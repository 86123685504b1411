package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ruoliu2/partassist/internal/catalog"
)

func TestTraceAppendAndList(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewTraceStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := catalog.TraceEntry{
		RunID:     "run-1",
		TurnIndex: 0,
		Kind:      catalog.TraceToolCall,
		Payload:   `{"tool":"check_compatibility"}`,
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO agent_traces").
		WithArgs(entry.RunID, entry.TurnIndex, entry.Kind, entry.Payload, entry.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Append(context.Background(), entry))

	rows := pgxmock.NewRows([]string{"run_id", "turn_index", "kind", "payload", "created_at"}).
		AddRow("run-1", 0, catalog.TraceToolCall, entry.Payload, now).
		AddRow("run-1", 1, catalog.TraceFinal, "done", now)
	mock.ExpectQuery("SELECT (.+) FROM agent_traces").
		WithArgs("run-1").
		WillReturnRows(rows)

	entries, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, catalog.TraceFinal, entries[1].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
