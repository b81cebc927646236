package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/monashautomation/printfarm-controlplane/internal/config"
)

// NewSQLiteStore opens (and creates, if absent) a SQLite database at the
// path named by cfg.URL and runs schema bootstrapping. SQLite is the
// default store: no external service to stand up for local and
// single-printer deployments.
func NewSQLiteStore(ctx context.Context, cfg config.DatabaseConfig, key [32]byte) (*Store, error) {
	path := strings.TrimPrefix(cfg.URL, "sqlite://")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite serializes access itself; a single connection
	// avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := newStore(db, &SQLiteDialect{}, key)
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logInfo("sqlite store ready", "path", path)
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema init: %w", err)
		}
	}
	return nil
}
