// Package staging rebuilds production tables through a shadow table: create it
// from an explicit schema definition, bulk-load coerced rows, then swap it
// with production in one transaction.
package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
)

var (
	// ErrSwapFailed is returned when the swap transaction fails. Production is
	// untouched and the staging table is kept.
	ErrSwapFailed = errors.New("atomic swap failed")

	// ErrLoadFailed is returned when a chunk could not be loaded in fail-fast
	// mode.
	ErrLoadFailed = errors.New("bulk load failed")

	// ErrIncompleteLoad is returned by Rebuild when chunks failed in
	// best-effort mode. The swap is not attempted.
	ErrIncompleteLoad = errors.New("bulk load incomplete")

	// ErrTooManyRejected is returned by Rebuild when every row, or more than
	// MaxRejectRatio of them, was rejected. The swap is not attempted.
	ErrTooManyRejected = errors.New("too many rows rejected")
)

const (
	stagingSuffix = "_staging"
	oldSuffix     = "_old"
)

// Options controls bulk loading.
type Options struct {
	ChunkSize     int
	Strict        bool
	FailFast      bool
	ChunkAttempts int
	ChunkDelay    time.Duration

	// MaxRejectRatio bounds the share of rejected rows a rebuild accepts.
	// Zero allows any share short of all rows.
	MaxRejectRatio float64
}

// RowRejection records a row that could not be coerced.
type RowRejection struct {
	Index  int    `json:"index"`
	Column string `json:"column"`
	Reason string `json:"reason"`
}

// LoadResult summarises a bulk load.
type LoadResult struct {
	RowsLoaded   int            `json:"rows_loaded"`
	Rejected     []RowRejection `json:"rejected"`
	Chunks       int            `json:"chunks"`
	FailedChunks []int          `json:"failed_chunks"`

	// Err aggregates chunk failures in best-effort mode.
	Err error `json:"-"`
}

// RebuildResult summarises a full rebuild.
type RebuildResult struct {
	Table   string      `json:"table"`
	Staging string      `json:"staging"`
	Load    *LoadResult `json:"load"`
	Swapped bool        `json:"swapped"`
}

// Manager performs staging rebuilds against a database.
type Manager struct {
	db      *sql.DB
	dialect store.Dialect
	opts    Options
}

// NewManager creates a staging manager.
func NewManager(db *sql.DB, dialect store.Dialect, opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 500
	}
	if opts.ChunkAttempts <= 0 {
		opts.ChunkAttempts = 1
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = 200 * time.Millisecond
	}
	return &Manager{db: db, dialect: dialect, opts: opts}
}

// StagingName returns the staging table name for a production table.
func StagingName(table string) string {
	return table + stagingSuffix
}

// CreateStaging drops any previous staging table for def and recreates it
// from the definition. The created table is re-read from the catalog and
// compared to the definition.
func (m *Manager) CreateStaging(ctx context.Context, def *SchemaDefinition) (string, error) {
	staging := StagingName(def.Table)
	quoted, err := m.dialect.QuoteIdent(staging)
	if err != nil {
		return "", err
	}

	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		name, err := m.dialect.QuoteIdent(c.Name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchema, err)
		}
		decl := name + " " + sqlType(c.Type, m.dialect)
		if !c.Nullable {
			decl += " NOT NULL"
		}
		cols[i] = decl
	}

	if _, err := m.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoted); err != nil {
		return "", fmt.Errorf("drop staging table: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE `+quoted+` (`+strings.Join(cols, ", ")+`)`); err != nil {
		return "", fmt.Errorf("create staging table: %w", err)
	}

	if err := m.verifyCatalog(ctx, def, staging); err != nil {
		return "", err
	}

	slog.Info("staging table created",
		"component", "staging",
		"table", staging,
		"columns", len(def.Columns),
	)
	return staging, nil
}

// verifyCatalog compares a table's catalog columns to the definition.
func (m *Manager) verifyCatalog(ctx context.Context, def *SchemaDefinition, table string) error {
	rows, err := m.db.QueryContext(ctx, m.dialect.ColumnsQuery(), table)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	defer rows.Close()

	type catalogColumn struct{ name, typ string }
	var got []catalogColumn
	for rows.Next() {
		var c catalogColumn
		if err := rows.Scan(&c.name, &c.typ); err != nil {
			return fmt.Errorf("scan catalog: %w", err)
		}
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	if len(got) != len(def.Columns) {
		return fmt.Errorf("%w: %s has %d columns, definition has %d",
			ErrSchemaMismatch, table, len(got), len(def.Columns))
	}
	for i, c := range def.Columns {
		want := catalogType(c.Type, m.dialect)
		if !strings.EqualFold(got[i].name, c.Name) || !strings.EqualFold(got[i].typ, want) {
			return fmt.Errorf("%w: column %d is %s %s, definition has %s %s",
				ErrSchemaMismatch, i, got[i].name, got[i].typ, c.Name, want)
		}
	}
	return nil
}

// BulkLoad coerces rows to the definition and inserts them into staging in
// fixed-size chunks, one transaction per chunk. Rows that cannot be coerced
// are rejected with a reason. A failed chunk is retried up to ChunkAttempts
// times; then it aborts the load when FailFast is set, otherwise it is
// recorded and loading continues.
func (m *Manager) BulkLoad(ctx context.Context, def *SchemaDefinition, staging string, rows []types.Record) (*LoadResult, error) {
	result := &LoadResult{Rejected: []RowRejection{}, FailedChunks: []int{}}

	accepted := make([][]any, 0, len(rows))
	for i, row := range rows {
		values, rej := m.coerceRow(def, row)
		if rej != nil {
			rej.Index = i
			result.Rejected = append(result.Rejected, *rej)
			slog.Warn("row rejected",
				"component", "staging",
				"row", i,
				"column", rej.Column,
				"reason", rej.Reason,
			)
			continue
		}
		accepted = append(accepted, values)
	}

	insert, err := m.insertStatement(def, staging)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(accepted); start += m.opts.ChunkSize {
		end := min(start+m.opts.ChunkSize, len(accepted))
		chunk := result.Chunks
		result.Chunks++

		err := m.loadChunk(ctx, insert, accepted[start:end])
		if err == nil {
			result.RowsLoaded += end - start
			continue
		}

		slog.Error("chunk load failed",
			"component", "staging",
			"table", staging,
			"chunk", chunk,
			"rows", end-start,
			"error", err,
		)
		result.FailedChunks = append(result.FailedChunks, chunk)
		result.Err = multierr.Append(result.Err, fmt.Errorf("chunk %d: %w", chunk, err))
		if m.opts.FailFast || ctx.Err() != nil {
			return result, fmt.Errorf("%w: chunk %d: %v", ErrLoadFailed, chunk, err)
		}
	}

	slog.Info("bulk load completed",
		"component", "staging",
		"table", staging,
		"rows_loaded", result.RowsLoaded,
		"rows_rejected", len(result.Rejected),
		"chunks", result.Chunks,
		"chunks_failed", len(result.FailedChunks),
	)
	return result, nil
}

func (m *Manager) coerceRow(def *SchemaDefinition, row types.Record) ([]any, *RowRejection) {
	values := make([]any, len(def.Columns))
	for i, c := range def.Columns {
		v, err := Coerce(c, lookup(row, c.Name), m.opts.Strict)
		if err != nil {
			return nil, &RowRejection{Column: c.Name, Reason: err.Error()}
		}
		values[i] = v
	}
	return values, nil
}

// lookup finds a field by exact name, then case-insensitively.
func lookup(row types.Record, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func (m *Manager) insertStatement(def *SchemaDefinition, staging string) (string, error) {
	table, err := m.dialect.QuoteIdent(staging)
	if err != nil {
		return "", err
	}
	cols := make([]string, len(def.Columns))
	marks := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i], err = m.dialect.QuoteIdent(c.Name)
		if err != nil {
			return "", err
		}
		marks[i] = "?"
	}
	q := `INSERT INTO ` + table + ` (` + strings.Join(cols, ", ") + `) VALUES (` + strings.Join(marks, ", ") + `)`
	return m.dialect.Rebind(q), nil
}

// loadChunk inserts one chunk in a transaction, retrying the whole chunk with
// a constant delay.
func (m *Manager) loadChunk(ctx context.Context, insert string, rows [][]any) error {
	backoff := retry.WithMaxRetries(uint64(m.opts.ChunkAttempts-1), retry.NewConstant(m.opts.ChunkDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.insertChunk(ctx, insert, rows); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (m *Manager) insertChunk(ctx context.Context, insert string, rows [][]any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, values := range rows {
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

// AtomicSwap replaces production with staging in one transaction: production
// is renamed aside, staging takes its name, and the old table is dropped.
// On failure nothing changes and staging is preserved.
func (m *Manager) AtomicSwap(ctx context.Context, staging, production string) error {
	qStaging, err := m.dialect.QuoteIdent(staging)
	if err != nil {
		return err
	}
	qProd, err := m.dialect.QuoteIdent(production)
	if err != nil {
		return err
	}
	qOld, err := m.dialect.QuoteIdent(production + oldSuffix)
	if err != nil {
		return err
	}

	var exists int
	err = m.db.QueryRowContext(ctx, m.dialect.TableExistsQuery(), production).Scan(&exists)
	prodExists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: check production: %v", ErrSwapFailed, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrSwapFailed, err)
	}
	defer tx.Rollback()

	stmts := []string{`DROP TABLE IF EXISTS ` + qOld}
	if prodExists {
		stmts = append(stmts, `ALTER TABLE `+qProd+` RENAME TO `+qOld)
	}
	stmts = append(stmts, `ALTER TABLE `+qStaging+` RENAME TO `+qProd)
	if prodExists {
		stmts = append(stmts, `DROP TABLE `+qOld)
	}

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			slog.Error("swap failed, staging preserved",
				"component", "staging",
				"staging", staging,
				"production", production,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrSwapFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrSwapFailed, err)
	}

	slog.Info("staging swapped into production",
		"component", "staging",
		"production", production,
	)
	return nil
}

// Rebuild creates the staging table, loads rows and swaps. The swap is only
// attempted when every chunk loaded and the rejected rows stay within
// MaxRejectRatio; otherwise staging is kept for inspection.
func (m *Manager) Rebuild(ctx context.Context, def *SchemaDefinition, rows []types.Record) (*RebuildResult, error) {
	if len(rows) > 0 {
		if err := CheckColumns(def, recordColumns(rows[0])); err != nil {
			return nil, err
		}
	}

	staging, err := m.CreateStaging(ctx, def)
	if err != nil {
		return nil, err
	}
	result := &RebuildResult{Table: def.Table, Staging: staging}

	load, err := m.BulkLoad(ctx, def, staging, rows)
	result.Load = load
	if err != nil {
		return result, err
	}
	if len(load.FailedChunks) > 0 {
		return result, fmt.Errorf("%w: %d of %d chunks failed: %v",
			ErrIncompleteLoad, len(load.FailedChunks), load.Chunks, load.Err)
	}
	if err := m.checkRejected(len(rows), len(load.Rejected)); err != nil {
		return result, err
	}

	if err := m.AtomicSwap(ctx, staging, def.Table); err != nil {
		return result, err
	}
	result.Swapped = true
	return result, nil
}

func (m *Manager) checkRejected(total, rejected int) error {
	if rejected == 0 {
		return nil
	}
	if rejected == total {
		return fmt.Errorf("%w: all %d rows", ErrTooManyRejected, total)
	}
	if limit := m.opts.MaxRejectRatio; limit > 0 && float64(rejected)/float64(total) > limit {
		return fmt.Errorf("%w: %d of %d rows, limit is %g", ErrTooManyRejected, rejected, total, limit)
	}
	return nil
}

func recordColumns(r types.Record) []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	return cols
}
