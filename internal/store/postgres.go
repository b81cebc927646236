package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/monashautomation/printfarm-controlplane/internal/config"
)

// NewPostgresStore opens a PostgreSQL database via jackc/pgx's database/sql
// driver and runs schema bootstrapping. Used for multi-instance or
// higher-throughput deployments where SQLite's single-writer model is too
// limiting.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, key [32]byte) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeSecs) * time.Second)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := newStore(db, &PostgresDialect{}, key)
	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logInfo("postgres store ready")
	return s, nil
}
