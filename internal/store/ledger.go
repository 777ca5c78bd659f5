package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/deltasync/internal/types"
)

const ledgerColumns = `id, operation, record_key, record_uuid, class, message,
	request_payload, response_payload, retry_count, created_at`

// LogError appends a ledger entry. RetryCount is computed in the same
// statement as the previous highest count for the record key plus one, so the
// first failure of a record carries 1.
func (s *SQLStore) LogError(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	_, err := s.exec(ctx, s.db, `
		INSERT INTO error_ledger (`+ledgerColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(MAX(retry_count), 0) + 1, ?
		FROM error_ledger WHERE record_key = ?`,
		entry.ID, string(entry.Operation), entry.RecordKey, entry.RecordUUID, string(entry.Class),
		entry.Message, entry.Request, entry.Response, formatTime(entry.CreatedAt), entry.RecordKey)
	if err != nil {
		return entry, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := s.queryRow(ctx, `SELECT retry_count FROM error_ledger WHERE id = ?`, entry.ID).
		Scan(&entry.RetryCount); err != nil {
		return entry, fmt.Errorf("read ledger entry: %w", err)
	}
	return entry, nil
}

// RetryCount returns the number of recorded failures for a record key.
func (s *SQLStore) RetryCount(ctx context.Context, recordKey string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COALESCE(MAX(retry_count), 0) FROM error_ledger WHERE record_key = ?`,
		recordKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("retry count: %w", err)
	}
	return n, nil
}

// ListErrors returns ledger entries, newest first.
func (s *SQLStore) ListErrors(ctx context.Context, filter types.LedgerFilter) ([]types.LedgerEntry, error) {
	var where []string
	var args []any
	if filter.RecordKey != "" {
		where = append(where, "record_key = ?")
		args = append(args, filter.RecordKey)
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(filter.Operation))
	}

	q := `SELECT ` + ledgerColumns + ` FROM error_ledger`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var op, class, createdAt string
		if err := rows.Scan(&e.ID, &op, &e.RecordKey, &e.RecordUUID, &class, &e.Message,
			&e.Request, &e.Response, &e.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Operation = types.Operation(op)
		e.Class = types.ErrorClass(class)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

const headerRetrySubquery = `(SELECT COALESCE(MAX(e.retry_count), 0) FROM error_ledger e
	WHERE e.record_key = sync_headers.header_key)`

const lineRetrySubquery = `(SELECT COALESCE(MAX(e.retry_count), 0) FROM error_ledger e
	WHERE e.record_key = sync_lines.header_key || '/' || sync_lines.line_key)`

// PromoteRetryable moves ERROR headers and lines whose retry count is below
// maxRetries back to PENDING. Records at the ceiling stay in terminal ERROR.
// Returns the number of records promoted.
func (s *SQLStore) PromoteRetryable(ctx context.Context, maxRetries int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now())
	var total int64
	for _, q := range []string{
		`UPDATE sync_headers SET sync_state = ?, updated_at = ?
		 WHERE sync_state = ? AND ` + headerRetrySubquery + ` < ?`,
		`UPDATE sync_lines SET sync_state = ?, updated_at = ?
		 WHERE sync_state = ? AND ` + lineRetrySubquery + ` < ?`,
	} {
		res, err := s.exec(ctx, tx, q, string(types.StatePending), ts, string(types.StateError), maxRetries)
		if err != nil {
			return 0, fmt.Errorf("promote retryable: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("get rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

// TerminalErrors returns the record keys in ERROR that reached maxRetries.
func (s *SQLStore) TerminalErrors(ctx context.Context, maxRetries int) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT header_key FROM sync_headers
		WHERE sync_state = ? AND `+headerRetrySubquery+` >= ?
		UNION ALL
		SELECT header_key || '/' || line_key FROM sync_lines
		WHERE sync_state = ? AND `+lineRetrySubquery+` >= ?
		ORDER BY 1`,
		string(types.StateError), maxRetries, string(types.StateError), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("query terminal errors: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k sql.NullString
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		keys = append(keys, k.String)
	}
	return keys, rows.Err()
}

// OrphanedItemIDs returns the item ids that the board service issued for the
// given headers but that could not be written back. Only headers still
// without an item id are considered, and only failures newer than the last
// resync of the header.
func (s *SQLStore) OrphanedItemIDs(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(keys) == 0 {
		return out, nil
	}
	args := append([]any{string(types.OpPersist)}, stringArgs(keys)...)
	rows, err := s.query(ctx, `
		SELECT h.header_key, e.response_payload
		FROM error_ledger e
		JOIN sync_headers h ON h.header_key = e.record_key
		WHERE e.operation = ?
		  AND h.header_key IN (`+placeholders(len(keys))+`)
		  AND (h.external_item_id IS NULL OR h.external_item_id = '')
		  AND (h.reset_at IS NULL OR e.created_at > h.reset_at)
		ORDER BY e.created_at, e.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orphaned items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if id := orphanedID(payload); id != "" {
			out[key] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// OrphanedSubitemIDs is OrphanedItemIDs for lines.
func (s *SQLStore) OrphanedSubitemIDs(ctx context.Context, refs []LineRef) (map[LineRef]string, error) {
	out := make(map[LineRef]string)
	if len(refs) == 0 {
		return out, nil
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.HeaderKey + "/" + r.LineKey
	}
	args := append([]any{string(types.OpPersist)}, stringArgs(keys)...)
	rows, err := s.query(ctx, `
		SELECT l.header_key, l.line_key, e.response_payload
		FROM error_ledger e
		JOIN sync_lines l ON l.header_key || '/' || l.line_key = e.record_key
		WHERE e.operation = ?
		  AND e.record_key IN (`+placeholders(len(keys))+`)
		  AND (l.external_subitem_id IS NULL OR l.external_subitem_id = '')
		  AND (l.reset_at IS NULL OR e.created_at > l.reset_at)
		ORDER BY e.created_at, e.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orphaned subitems: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref LineRef
		var payload string
		if err := rows.Scan(&ref.HeaderKey, &ref.LineKey, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if id := orphanedID(payload); id != "" {
			out[ref] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func orphanedID(payload string) string {
	var p struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ""
	}
	return p.ExternalID
}
