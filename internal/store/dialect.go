package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
// Queries in this package are written with "?" placeholders and rebound.
type Dialect struct {
	// Name is the configured driver name: "sqlite" or "postgres".
	Name string

	// DriverName is the database/sql driver registered for the dialect.
	DriverName string

	// Goose is the goose dialect identifier.
	Goose string
}

var (
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite", Goose: "sqlite3"}
	Postgres = Dialect{Name: "postgres", DriverName: "pgx", Goose: "postgres"}
)

// DialectFor resolves a configured driver name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
}

// Rebind rewrites "?" placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d.Name != Postgres.Name {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// QuoteIdent validates and quotes a table or column identifier.
func (d Dialect) QuoteIdent(name string) (string, error) {
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return `"` + name + `"`, nil
}

// ColumnsQuery returns a query listing (name, declared type) for a table.
// The query takes the table name as its only argument.
func (d Dialect) ColumnsQuery() string {
	if d.Name == Postgres.Name {
		return `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position`
	}
	return `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
}

// TableExistsQuery returns a query yielding one row when the table exists.
func (d Dialect) TableExistsQuery() string {
	if d.Name == Postgres.Name {
		return `SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1`
	}
	return `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`
}
