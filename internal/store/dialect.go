package store

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL syntax differences between SQLite and
// PostgreSQL so the same query-building code works against either.
type Dialect interface {
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// AutoIncrement returns the column type for an auto-incrementing primary key.
	AutoIncrement(big bool) string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for boolean values.
	BoolType() string

	// CurrentTimestamp returns the SQL expression for the current time.
	CurrentTimestamp() string

	// ReturningClause returns "RETURNING ..." for dialects that support it.
	ReturningClause(columns ...string) string

	// TextType returns the TEXT column type.
	TextType() string

	// IntegerType returns the appropriate integer column type.
	IntegerType(big bool) string
}

// SQLiteDialect implements Dialect for SQLite (modernc.org/sqlite).
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string                     { return "sqlite" }
func (d *SQLiteDialect) Placeholder(index int) string      { return "?" }
func (d *SQLiteDialect) AutoIncrement(big bool) string     { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (d *SQLiteDialect) TimestampType() string             { return "DATETIME" }
func (d *SQLiteDialect) BoolType() string                  { return "INTEGER" }
func (d *SQLiteDialect) CurrentTimestamp() string          { return "CURRENT_TIMESTAMP" }
func (d *SQLiteDialect) TextType() string                  { return "TEXT" }
func (d *SQLiteDialect) IntegerType(big bool) string       { return "INTEGER" }

func (d *SQLiteDialect) ReturningClause(columns ...string) string {
	if len(columns) == 0 {
		return ""
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

// PostgresDialect implements Dialect for PostgreSQL (jackc/pgx).
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string                { return "postgres" }
func (d *PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }
func (d *PostgresDialect) TimestampType() string        { return "TIMESTAMPTZ" }
func (d *PostgresDialect) BoolType() string             { return "BOOLEAN" }
func (d *PostgresDialect) CurrentTimestamp() string     { return "NOW()" }
func (d *PostgresDialect) TextType() string             { return "TEXT" }

func (d *PostgresDialect) AutoIncrement(big bool) string {
	if big {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "SERIAL PRIMARY KEY"
}

func (d *PostgresDialect) IntegerType(big bool) string {
	if big {
		return "BIGINT"
	}
	return "INTEGER"
}

func (d *PostgresDialect) ReturningClause(columns ...string) string {
	if len(columns) == 0 {
		return ""
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

// ConvertPlaceholders rewrites SQLite-style ? placeholders into
// PostgreSQL-style $1, $2, ... placeholders, in order of appearance. Query
// text is written once against ? and converted at call time for Postgres.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&result, "$%d", n)
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
