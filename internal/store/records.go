package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/deltasync/internal/types"
)

// LineRef identifies a line by parent header key and line key.
type LineRef struct {
	HeaderKey string
	LineKey   string
}

// ChangeSet is the result of one change-detection pass, applied atomically.
type ChangeSet struct {
	NewHeaders     []types.Header
	UpdatedHeaders []types.Header
	DeletedHeaders []string
	NewLines       []types.Line
	UpdatedLines   []types.Line
	DeletedLines   []LineRef
}

// Empty reports whether the change set carries no work.
func (cs ChangeSet) Empty() bool {
	return len(cs.NewHeaders) == 0 && len(cs.UpdatedHeaders) == 0 && len(cs.DeletedHeaders) == 0 &&
		len(cs.NewLines) == 0 && len(cs.UpdatedLines) == 0 && len(cs.DeletedLines) == 0
}

const headerColumns = `header_key, record_uuid, customer, group_label, item_name, fields_json,
	content_hash, sync_state, external_item_id, external_group_id, created_at, updated_at, synced_at`

const lineColumns = `header_key, line_key, record_uuid, fields_json, content_hash, sync_state,
	external_subitem_id, created_at, updated_at, synced_at`

// ApplyChanges writes a change set in a single transaction. Either every
// change lands or none does.
func (s *SQLStore) ApplyChanges(ctx context.Context, cs ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now())

	for _, h := range cs.NewHeaders {
		fields, err := marshalFields(h.Fields)
		if err != nil {
			return fmt.Errorf("header %s: %w", h.HeaderKey, err)
		}
		_, err = s.exec(ctx, tx, `
			INSERT INTO sync_headers (`+headerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, NULL)`,
			h.HeaderKey, h.RecordUUID, h.Customer, h.GroupLabel, h.ItemName, fields,
			h.ContentHash, string(h.SyncState), ts, ts)
		if err != nil {
			return fmt.Errorf("insert header %s: %w", h.HeaderKey, err)
		}
	}

	for _, h := range cs.UpdatedHeaders {
		fields, err := marshalFields(h.Fields)
		if err != nil {
			return fmt.Errorf("header %s: %w", h.HeaderKey, err)
		}
		_, err = s.exec(ctx, tx, `
			UPDATE sync_headers
			SET group_label = ?, item_name = ?, fields_json = ?, content_hash = ?,
			    sync_state = ?, updated_at = ?
			WHERE header_key = ?`,
			h.GroupLabel, h.ItemName, fields, h.ContentHash, string(h.SyncState), ts, h.HeaderKey)
		if err != nil {
			return fmt.Errorf("update header %s: %w", h.HeaderKey, err)
		}
	}

	for _, key := range cs.DeletedHeaders {
		if _, err := s.exec(ctx, tx, `
			UPDATE sync_headers SET sync_state = ?, updated_at = ? WHERE header_key = ?`,
			string(types.StateDeleted), ts, key); err != nil {
			return fmt.Errorf("delete header %s: %w", key, err)
		}
		if _, err := s.exec(ctx, tx, `
			UPDATE sync_lines SET sync_state = ?, updated_at = ? WHERE header_key = ?`,
			string(types.StateDeleted), ts, key); err != nil {
			return fmt.Errorf("delete lines of %s: %w", key, err)
		}
	}

	for _, l := range cs.NewLines {
		fields, err := marshalFields(l.Fields)
		if err != nil {
			return fmt.Errorf("line %s: %w", l.RecordKey(), err)
		}
		_, err = s.exec(ctx, tx, `
			INSERT INTO sync_lines (`+lineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`,
			l.HeaderKey, l.LineKey, l.RecordUUID, fields, l.ContentHash, string(l.SyncState), ts, ts)
		if err != nil {
			return fmt.Errorf("insert line %s: %w", l.RecordKey(), err)
		}
	}

	for _, l := range cs.UpdatedLines {
		fields, err := marshalFields(l.Fields)
		if err != nil {
			return fmt.Errorf("line %s: %w", l.RecordKey(), err)
		}
		_, err = s.exec(ctx, tx, `
			UPDATE sync_lines
			SET fields_json = ?, content_hash = ?, sync_state = ?, updated_at = ?
			WHERE header_key = ? AND line_key = ?`,
			fields, l.ContentHash, string(l.SyncState), ts, l.HeaderKey, l.LineKey)
		if err != nil {
			return fmt.Errorf("update line %s: %w", l.RecordKey(), err)
		}
	}

	for _, ref := range cs.DeletedLines {
		if _, err := s.exec(ctx, tx, `
			UPDATE sync_lines SET sync_state = ?, updated_at = ? WHERE header_key = ? AND line_key = ?`,
			string(types.StateDeleted), ts, ref.HeaderKey, ref.LineKey); err != nil {
			return fmt.Errorf("delete line %s/%s: %w", ref.HeaderKey, ref.LineKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AllHeaders returns every header including deleted ones. It is the source of
// the prior-state index; an unreadable field snapshot is reported as
// ErrCorruptIndex.
func (s *SQLStore) AllHeaders(ctx context.Context) ([]types.Header, error) {
	return s.listHeaders(ctx, `SELECT `+headerColumns+` FROM sync_headers ORDER BY header_key`)
}

// AllLines returns every line including deleted ones.
func (s *SQLStore) AllLines(ctx context.Context) ([]types.Line, error) {
	return s.listLines(ctx, `SELECT `+lineColumns+` FROM sync_lines ORDER BY header_key, line_key`)
}

// PendingHeaders returns headers in NEW or PENDING, ordered so that headers of
// one batch are adjacent. limit <= 0 means no limit.
func (s *SQLStore) PendingHeaders(ctx context.Context, limit int) ([]types.Header, error) {
	q := `SELECT ` + headerColumns + ` FROM sync_headers
		WHERE sync_state IN (?, ?)
		ORDER BY customer, record_uuid, header_key`
	args := []any{string(types.StateNew), string(types.StatePending)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listHeaders(ctx, q, args...)
}

// PendingLines returns lines in NEW or PENDING. limit <= 0 means no limit.
func (s *SQLStore) PendingLines(ctx context.Context, limit int) ([]types.Line, error) {
	q := `SELECT ` + lineColumns + ` FROM sync_lines
		WHERE sync_state IN (?, ?)
		ORDER BY record_uuid, header_key, line_key`
	args := []any{string(types.StateNew), string(types.StatePending)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listLines(ctx, q, args...)
}

// HeadersByKeys returns the headers with the given keys, in key order.
func (s *SQLStore) HeadersByKeys(ctx context.Context, keys []string) ([]types.Header, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return s.listHeaders(ctx, `SELECT `+headerColumns+` FROM sync_headers
		WHERE header_key IN (`+placeholders(len(keys))+`) ORDER BY header_key`, stringArgs(keys)...)
}

// GetHeader returns one header by key.
func (s *SQLStore) GetHeader(ctx context.Context, key string) (*types.Header, error) {
	row := s.queryRow(ctx, `SELECT `+headerColumns+` FROM sync_headers WHERE header_key = ?`, key)
	h, err := scanHeader(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return h, nil
}

// LinesForHeader returns all lines of a header, including deleted ones.
func (s *SQLStore) LinesForHeader(ctx context.Context, headerKey string) ([]types.Line, error) {
	return s.listLines(ctx, `SELECT `+lineColumns+` FROM sync_lines
		WHERE header_key = ? ORDER BY line_key`, headerKey)
}

// ClaimHeaders moves NEW headers to PENDING. Headers in other states are left
// untouched.
func (s *SQLStore) ClaimHeaders(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]any{string(types.StatePending), formatTime(now()), string(types.StateNew)}, stringArgs(keys)...)
	_, err := s.exec(ctx, s.db, `
		UPDATE sync_headers SET sync_state = ?, updated_at = ?
		WHERE sync_state = ? AND header_key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return fmt.Errorf("claim headers: %w", err)
	}
	return nil
}

// ClaimLines moves NEW lines to PENDING.
func (s *SQLStore) ClaimLines(ctx context.Context, refs []LineRef) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now())
	for _, ref := range refs {
		if _, err := s.exec(ctx, tx, `
			UPDATE sync_lines SET sync_state = ?, updated_at = ?
			WHERE sync_state = ? AND header_key = ? AND line_key = ?`,
			string(types.StatePending), ts, string(types.StateNew), ref.HeaderKey, ref.LineKey); err != nil {
			return fmt.Errorf("claim line %s/%s: %w", ref.HeaderKey, ref.LineKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetHeaderSynced records the external ids and marks the header SYNCED.
// An existing external item id is never replaced.
func (s *SQLStore) SetHeaderSynced(ctx context.Context, key, itemID, groupID string) error {
	ts := formatTime(now())
	res, err := s.exec(ctx, s.db, `
		UPDATE sync_headers
		SET external_item_id = COALESCE(external_item_id, ?),
		    external_group_id = COALESCE(?, external_group_id),
		    sync_state = ?, updated_at = ?, synced_at = ?
		WHERE header_key = ?`,
		nullString(itemID), nullString(groupID), string(types.StateSynced), ts, ts, key)
	if err != nil {
		return fmt.Errorf("set header synced: %w", err)
	}
	return requireRow(res)
}

// SetHeaderState sets the sync state of a header.
func (s *SQLStore) SetHeaderState(ctx context.Context, key string, state types.SyncState) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE sync_headers SET sync_state = ?, updated_at = ? WHERE header_key = ?`,
		string(state), formatTime(now()), key)
	if err != nil {
		return fmt.Errorf("set header state: %w", err)
	}
	return requireRow(res)
}

// SetLineSynced records the sub-item id and marks the line SYNCED. It fails
// with ErrParentNotSynced when the parent header has no external item id.
func (s *SQLStore) SetLineSynced(ctx context.Context, ref LineRef, subitemID string) error {
	ts := formatTime(now())
	res, err := s.exec(ctx, s.db, `
		UPDATE sync_lines
		SET external_subitem_id = COALESCE(external_subitem_id, ?),
		    sync_state = ?, updated_at = ?, synced_at = ?
		WHERE header_key = ? AND line_key = ?
		  AND EXISTS (
		    SELECT 1 FROM sync_headers h
		    WHERE h.header_key = sync_lines.header_key AND h.external_item_id IS NOT NULL
		  )`,
		nullString(subitemID), string(types.StateSynced), ts, ts, ref.HeaderKey, ref.LineKey)
	if err != nil {
		return fmt.Errorf("set line synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.queryRow(ctx, `SELECT 1 FROM sync_lines WHERE header_key = ? AND line_key = ?`,
		ref.HeaderKey, ref.LineKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check line: %w", err)
	}
	return ErrParentNotSynced
}

// SetLineState sets the sync state of a line.
func (s *SQLStore) SetLineState(ctx context.Context, ref LineRef, state types.SyncState) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE sync_lines SET sync_state = ?, updated_at = ? WHERE header_key = ? AND line_key = ?`,
		string(state), formatTime(now()), ref.HeaderKey, ref.LineKey)
	if err != nil {
		return fmt.Errorf("set line state: %w", err)
	}
	return requireRow(res)
}

// ResetExternalIDs clears the external ids of a header and its lines and puts
// them back to PENDING. This is the explicit re-sync path; nothing else ever
// clears an acquired id. Ids left behind by earlier write-back failures are
// discarded too.
func (s *SQLStore) ResetExternalIDs(ctx context.Context, headerKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now())
	res, err := s.exec(ctx, tx, `
		UPDATE sync_headers
		SET external_item_id = NULL, external_group_id = NULL, sync_state = ?, updated_at = ?, synced_at = NULL, reset_at = ?
		WHERE header_key = ? AND sync_state <> ?`,
		string(types.StatePending), ts, ts, headerKey, string(types.StateDeleted))
	if err != nil {
		return fmt.Errorf("reset header: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, `
		UPDATE sync_lines
		SET external_subitem_id = NULL, sync_state = ?, updated_at = ?, synced_at = NULL, reset_at = ?
		WHERE header_key = ? AND sync_state <> ?`,
		string(types.StatePending), ts, ts, headerKey, string(types.StateDeleted)); err != nil {
		return fmt.Errorf("reset lines: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CountByState returns header counts per sync state.
func (s *SQLStore) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.query(ctx, `SELECT sync_state, COUNT(*) FROM sync_headers GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("count headers: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) listHeaders(ctx context.Context, query string, args ...any) ([]types.Header, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query headers: %w", err)
	}
	defer rows.Close()

	var out []types.Header
	for rows.Next() {
		h, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) listLines(ctx context.Context, query string, args ...any) ([]types.Line, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	var out []types.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

type rowScanner interface{ Scan(...any) error }

func scanHeader(scanner rowScanner) (*types.Header, error) {
	var h types.Header
	var fieldsJSON, state, createdAt, updatedAt string
	var itemID, groupID, syncedAt sql.NullString

	err := scanner.Scan(
		&h.HeaderKey, &h.RecordUUID, &h.Customer, &h.GroupLabel, &h.ItemName, &fieldsJSON,
		&h.ContentHash, &state, &itemID, &groupID, &createdAt, &updatedAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: header %s: %v", ErrCorruptIndex, h.HeaderKey, err)
	}
	h.Fields = fields
	h.SyncState = types.SyncState(state)
	h.ExternalItemID = itemID.String
	h.ExternalGroupID = groupID.String
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	h.SyncedAt = parseNullTime(syncedAt)
	return &h, nil
}

func scanLine(scanner rowScanner) (*types.Line, error) {
	var l types.Line
	var fieldsJSON, state, createdAt, updatedAt string
	var subitemID, syncedAt sql.NullString

	err := scanner.Scan(
		&l.HeaderKey, &l.LineKey, &l.RecordUUID, &fieldsJSON, &l.ContentHash, &state,
		&subitemID, &createdAt, &updatedAt, &syncedAt,
	)
	if err != nil {
		return nil, err
	}

	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: line %s/%s: %v", ErrCorruptIndex, l.HeaderKey, l.LineKey, err)
	}
	l.Fields = fields
	l.SyncState = types.SyncState(state)
	l.ExternalSubitemID = subitemID.String
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	l.SyncedAt = parseNullTime(syncedAt)
	return &l, nil
}

func marshalFields(r types.Record) (string, error) {
	if r == nil {
		return "{}", nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields decodes a field snapshot. Numbers stay json.Number so the
// canonical hash of a reloaded snapshot matches the original value.
func unmarshalFields(s string) (types.Record, error) {
	if s == "" {
		return types.Record{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var r types.Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if r == nil {
		r = types.Record{}
	}
	return r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
