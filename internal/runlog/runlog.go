// Package runlog keeps a ledger of build runs in PostgreSQL.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/postgres"
)

// Schema is applied by Migrate.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS build_runs (
	    run_id        TEXT PRIMARY KEY,
	    archive       TEXT NOT NULL,
	    root          TEXT NOT NULL,
	    status        TEXT NOT NULL,
	    error         TEXT NOT NULL DEFAULT '',
	    pages_written BIGINT NOT NULL,
	    index_entries BIGINT NOT NULL,
	    summary       JSONB NOT NULL,
	    started_at    TIMESTAMPTZ NOT NULL,
	    finished_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS build_runs_root_finished_idx ON build_runs (root, finished_at DESC)`,
}

// Store persists run summaries in the build_runs table.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "runlog"),
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, "runlog", Schema...)
}

// Record inserts a run, or replaces it when the run ID is already known.
func (s *Store) Record(ctx context.Context, summary pipeline.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO build_runs
		    (run_id, archive, root, status, error, pages_written, index_entries, summary, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO UPDATE SET
		    status = EXCLUDED.status,
		    error = EXCLUDED.error,
		    pages_written = EXCLUDED.pages_written,
		    index_entries = EXCLUDED.index_entries,
		    summary = EXCLUDED.summary,
		    finished_at = EXCLUDED.finished_at`,
		summary.RunID, summary.Archive, summary.Root, string(summary.Status), summary.Error,
		summary.PagesWritten, int64(summary.IndexEntries), data, summary.StartedAt, summary.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", summary.RunID, err)
	}
	s.logger.Info("run recorded", "run_id", summary.RunID, "status", summary.Status)
	return nil
}

// Latest returns the most recent run for root, or nil when there is none.
func (s *Store) Latest(ctx context.Context, root string) (*pipeline.Summary, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT summary FROM build_runs WHERE root = $1 ORDER BY finished_at DESC LIMIT 1`,
		root,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}
	var summary pipeline.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}
	return &summary, nil
}

// List returns the last limit runs across all roots, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]pipeline.Summary, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT summary FROM build_runs ORDER BY finished_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Summary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		var summary pipeline.Summary
		if err := json.Unmarshal(data, &summary); err != nil {
			return nil, fmt.Errorf("unmarshaling run: %w", err)
		}
		runs = append(runs, summary)
	}
	return runs, rows.Err()
}
