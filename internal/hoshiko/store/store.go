// Package store provides SQLite persistence for Hoshiko: interaction
// counters, user logs with personality notes, world-state facts, and
// per-community persona overrides. All access goes through a bounded
// connection pool so database pressure is observable and backpressured.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/hoshikobot/hoshiko/internal/hoshiko/dbpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database handle and the connection pool built over it.
type Store struct {
	db     *sql.DB
	pool   *dbpool.Pool
	logger *slog.Logger
}

// New opens (or creates) the database at dbPath, applies pragmas and pending
// migrations, and initializes the connection pool. If logger is nil, the
// default slog logger is used.
func New(ctx context.Context, dbPath string, poolCfg dbpool.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// The pool pins dedicated connections; let database/sql hold exactly as
	// many as the pool's ceiling so growth never silently exceeds it.
	cfg := poolCfg
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = dbpool.DefaultConfig().MaxSize
	}
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxSize)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",   // better concurrency for the writer loops
		"PRAGMA synchronous = NORMAL", // balance between safety and speed
		"PRAGMA busy_timeout = 5000",  // wait up to 5s for locks
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	pool, err := dbpool.New(ctx, db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.pool = pool

	return s, nil
}

// Close releases the pool and the underlying database handle.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.db.Close()
}

// DB returns the underlying database handle for collaborators that manage
// their own statements (e.g. the Matrix sync-token store).
func (s *Store) DB() *sql.DB {
	return s.db
}

// PoolStats reports the connection pool's current state.
func (s *Store) PoolStats() dbpool.Stats {
	return s.pool.Stats()
}

// with runs fn on a pooled connection, releasing it on all paths.
func (s *Store) with(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return s.pool.With(ctx, fn)
}

// runMigrations applies all pending migrations in version order.
func (s *Store) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		_, err = tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		s.logger.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}

	return nil
}
