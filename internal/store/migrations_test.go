package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openRawSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_CreatesSyncTables(t *testing.T) {
	// Given: An empty SQLite file
	db := openRawSQLite(t)

	// When: Migrations are applied
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: Every table exists with its required columns
	queries := map[string]string{
		"sync_headers": `SELECT header_key, record_uuid, customer, group_label, item_name, fields_json,
			content_hash, sync_state, external_item_id, external_group_id, created_at, updated_at, synced_at, reset_at
			FROM sync_headers LIMIT 0`,
		"sync_lines": `SELECT header_key, line_key, record_uuid, fields_json, content_hash, sync_state,
			external_subitem_id, created_at, updated_at, synced_at, reset_at FROM sync_lines LIMIT 0`,
		"group_cache":  `SELECT board_id, label, external_group_id, created_at FROM group_cache LIMIT 0`,
		"error_ledger": `SELECT ` + ledgerColumns + ` FROM error_ledger LIMIT 0`,
		"sync_runs":    `SELECT id, started_at, finished_at, dry_run, success, summary_json FROM sync_runs LIMIT 0`,
	}
	for table, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("%s missing required columns: %v", table, err)
		}
	}
}

func TestMigrate_SecondRunIsNoop(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: Migrations are applied a second time
	err := RunMigrations(db, SQLite)

	// Then: goose finds nothing to do
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestMigrate_KeepsExistingHeaders(t *testing.T) {
	// Given: A database with an existing header
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}
	ts := formatTime(now())
	_, err := db.Exec(`
		INSERT INTO sync_headers (header_key, record_uuid, customer, group_label, item_name,
			fields_json, content_hash, sync_state, created_at, updated_at)
		VALUES ('ACME|1001', 'u-1', 'ACME', 'G1', '1001', '{}', 'h', 'NEW', ?, ?)`, ts, ts)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	// When: Migrations are applied a second time
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("re-migration failed: %v", err)
	}

	// Then: The header row survives untouched
	var uuid string
	if err := db.QueryRow(`SELECT record_uuid FROM sync_headers WHERE header_key = 'ACME|1001'`).Scan(&uuid); err != nil {
		t.Fatalf("data not preserved after migration: %v", err)
	}
	if uuid != "u-1" {
		t.Errorf("expected record_uuid 'u-1', got %q", uuid)
	}
}

func TestMigrate_CreatesLookupIndexes(t *testing.T) {
	// Given: A store after migration
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	// Then: Ledger and pending-state lookups are indexed
	for _, idx := range []string{
		"idx_sync_headers_state",
		"idx_sync_headers_batch",
		"idx_sync_lines_state",
		"idx_error_ledger_record",
	} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name); err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestPragmas_AppliedToEveryConnection(t *testing.T) {
	// Given: A new SQLite store
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	// When: Several connections are held open at once
	s.db.SetMaxOpenConns(3)
	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		c, err := s.db.Conn(ctx)
		if err != nil {
			t.Fatalf("open conn: %v", err)
		}
		conns = append(conns, c)
	}

	// Then: Each one has WAL mode and foreign keys enabled
	for i, c := range conns {
		var mode string
		var fk int
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("conn %d foreign_keys: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("conn %d: expected journal_mode 'wal', got %q", i, mode)
		}
		if fk != 1 {
			t.Errorf("conn %d: expected foreign_keys 1, got %d", i, fk)
		}
		c.Close()
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in, wantPrefix string
	}{
		{"/tmp/x.db", "file:/tmp/x.db?_pragma="},
		{"file:/tmp/x.db", "file:/tmp/x.db?_pragma="},
		{"/tmp/x.db?cache=shared", "file:/tmp/x.db?cache=shared&_pragma="},
	}
	for _, tt := range tests {
		got := sqliteDSN(tt.in)
		if len(got) < len(tt.wantPrefix) || got[:len(tt.wantPrefix)] != tt.wantPrefix {
			t.Errorf("sqliteDSN(%q) = %q, want prefix %q", tt.in, got, tt.wantPrefix)
		}
	}
	if got := sqliteDSN("x.db?_pragma=foo"); got != "x.db?_pragma=foo" {
		t.Errorf("explicit pragmas should pass through, got %q", got)
	}
}
