package postgres

import (
	"context"
	"fmt"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// TraceStore records agent run trajectories append-only.
type TraceStore struct {
	pool db
}

// NewTraceStoreWithPool constructs a TraceStore from an existing pool.
func NewTraceStoreWithPool(pool db) (*TraceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TraceStore{pool: pool}, nil
}

// EnsureSchema creates the trace table if it does not exist.
func (s *TraceStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS agent_traces (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	turn_index INT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_traces_run_idx ON agent_traces (run_id, id)`)
	if err != nil {
		return fmt.Errorf("ensure trace schema: %w", err)
	}
	return nil
}

// Append writes one trajectory entry.
func (s *TraceStore) Append(ctx context.Context, entry catalog.TraceEntry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_traces (run_id, turn_index, kind, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		entry.RunID, entry.TurnIndex, entry.Kind, entry.Payload, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append trace for run %s: %w", entry.RunID, err)
	}
	return nil
}

// List returns a run's trajectory in append order.
func (s *TraceStore) List(ctx context.Context, runID string) ([]catalog.TraceEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, turn_index, kind, payload, created_at
FROM agent_traces WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list traces for run %s: %w", runID, err)
	}
	defer rows.Close()

	var entries []catalog.TraceEntry
	for rows.Next() {
		var entry catalog.TraceEntry
		if err := rows.Scan(&entry.RunID, &entry.TurnIndex, &entry.Kind, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return entries, nil
}
