package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/deltasync/internal/types"
)

// SaveRun stores a run summary.
func (s *SQLStore) SaveRun(ctx context.Context, summary types.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO sync_runs (id, started_at, finished_at, dry_run, success, summary_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		summary.RunID, formatTime(summary.StartedAt), formatTime(summary.FinishedAt),
		boolInt(summary.DryRun), boolInt(summary.Success), string(data))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *SQLStore) LatestRun(ctx context.Context) (*types.RunSummary, error) {
	var data string
	err := s.queryRow(ctx, `SELECT summary_json FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	var summary types.RunSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, fmt.Errorf("parse run summary: %w", err)
	}
	return &summary, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
