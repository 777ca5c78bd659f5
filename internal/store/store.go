package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/deltasync/internal/types"
)

// tsLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store defines the persistence operations of the sync engine.
type Store interface {
	ApplyChanges(ctx context.Context, cs ChangeSet) error
	AllHeaders(ctx context.Context) ([]types.Header, error)
	AllLines(ctx context.Context) ([]types.Line, error)
	PendingHeaders(ctx context.Context, limit int) ([]types.Header, error)
	PendingLines(ctx context.Context, limit int) ([]types.Line, error)
	HeadersByKeys(ctx context.Context, keys []string) ([]types.Header, error)
	GetHeader(ctx context.Context, key string) (*types.Header, error)
	LinesForHeader(ctx context.Context, headerKey string) ([]types.Line, error)
	ClaimHeaders(ctx context.Context, keys []string) error
	ClaimLines(ctx context.Context, refs []LineRef) error
	SetHeaderSynced(ctx context.Context, key, itemID, groupID string) error
	SetHeaderState(ctx context.Context, key string, state types.SyncState) error
	SetLineSynced(ctx context.Context, ref LineRef, subitemID string) error
	SetLineState(ctx context.Context, ref LineRef, state types.SyncState) error
	ResetExternalIDs(ctx context.Context, headerKey string) error
	LookupGroup(ctx context.Context, boardID, label string) (string, error)
	SaveGroup(ctx context.Context, boardID, label, groupID string) error
	LogError(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error)
	RetryCount(ctx context.Context, recordKey string) (int, error)
	ListErrors(ctx context.Context, filter types.LedgerFilter) ([]types.LedgerEntry, error)
	PromoteRetryable(ctx context.Context, maxRetries int) (int64, error)
	TerminalErrors(ctx context.Context, maxRetries int) ([]string, error)
	OrphanedItemIDs(ctx context.Context, keys []string) (map[string]string, error)
	OrphanedSubitemIDs(ctx context.Context, refs []LineRef) (map[LineRef]string, error)
	SaveRun(ctx context.Context, summary types.RunSummary) error
	LatestRun(ctx context.Context) (*types.RunSummary, error)
	CountByState(ctx context.Context) (map[string]int, error)
	SourceRows(ctx context.Context, table string) ([]types.Record, error)
	Close() error
}

// Compile-time interface check
var _ Store = (*SQLStore)(nil)

// SQLStore is the database/sql backed store for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured database, applies connection settings and
// runs migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if dialect.Name == SQLite.Name {
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

// NewSQLiteStore opens a SQLite store at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return Open(SQLite.Name, path)
}

// sqliteDSN applies per-connection pragmas through the driver's _pragma
// parameters so every pooled connection gets them.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
		"synchronous(NORMAL)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep + q.Encode()
}

func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// DB exposes the connection pool for collaborators sharing the database
// (the staging manager).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, q sqlExecer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders returns "?, ?, ..." with n placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func now() time.Time {
	return time.Now().UTC()
}
