package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LookupGroup returns the cached external group id for a board label.
// Returns ErrNotFound when the label has not been resolved yet.
func (s *SQLStore) LookupGroup(ctx context.Context, boardID, label string) (string, error) {
	var id string
	err := s.queryRow(ctx, `SELECT external_group_id FROM group_cache WHERE board_id = ? AND label = ?`,
		boardID, label).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup group: %w", err)
	}
	return id, nil
}

// SaveGroup caches a resolved group id. The first resolution wins; saving a
// label that is already cached keeps the existing id.
func (s *SQLStore) SaveGroup(ctx context.Context, boardID, label, groupID string) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO group_cache (board_id, label, external_group_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (board_id, label) DO NOTHING`,
		boardID, label, groupID, formatTime(now()))
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}
