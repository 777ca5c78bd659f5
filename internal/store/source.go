package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/deltasync/internal/types"
)

// SourceRows reads every row of a source table as a generic record. Byte
// slices are converted to strings; other driver values pass through.
func (s *SQLStore) SourceRows(ctx context.Context, table string) ([]types.Record, error) {
	quoted, err := s.dialect.QuoteIdent(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+quoted)
	if err != nil {
		return nil, fmt.Errorf("query source table %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("source columns: %w", err)
	}

	var out []types.Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		r := make(types.Record, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				r[c] = string(b)
				continue
			}
			r[c] = values[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// TableExists reports whether a table exists in the current schema.
func (s *SQLStore) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.TableExistsQuery(), table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("table exists: %w", err)
	}
	return true, nil
}
