package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/config"
	"github.com/oversight-labs/phasegate/pkg/store"
)

// openDatabase connects to postgres when database.url is set, otherwise to
// the lite-mode SQLite file, creating its directory on first use.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	if cfg.Database.LiteMode() {
		if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		logger.Info("database: lite mode", "path", cfg.Database.SQLitePath)
		db, err := sql.Open("sqlite", cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc.org/sqlite serializes writers; one connection avoids
		// SQLITE_BUSY under concurrent handlers.
		db.SetMaxOpenConns(1)
		return db, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// openStack opens the database and initializes the phase store and audit
// chain schemas. Init is idempotent, so operational subcommands work against
// a fresh lite-mode file without a separate migrate run.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *store.SQLStore, *audit.ChainStore, error) {
	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	st := store.NewSQLStore(db)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("init store: %w", err)
	}
	chain := audit.NewChainStore(db)
	if err := chain.Init(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("init audit chain: %w", err)
	}
	return db, st, chain, nil
}
