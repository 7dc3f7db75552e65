// Package store is the PostgreSQL side of the service: campaign domain
// snapshots read by selection, and the persisted provider registry.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	sealer *sealer
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool. encryptKeyHex protects
// provider API keys at rest; when empty, provider persistence is disabled.
func New(dsn, encryptKeyHex string, logger *zap.Logger) (*Store, error) {
	var sl *sealer
	if encryptKeyHex != "" {
		var err error
		if sl, err = newSealer(encryptKeyHex); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected", zap.Bool("provider_registry", sl != nil))
	return &Store{db: pool, sealer: sl, logger: logger}, nil
}

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// pendingMigrations returns the *.up.sql names in dir, in name order,
// that are not in applied.
func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".up.sql") && !applied[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Migrate applies every not yet recorded .up.sql file in dir. Each file
// runs in its own transaction together with its schema_migrations row.
func (s *Store) Migrate(ctx context.Context, dir string) error {
	if _, err := s.db.Exec(ctx, migrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := s.db.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	done, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(done))
	for _, name := range done {
		applied[name] = true
	}

	pending, err := pendingMigrations(dir, applied)
	if err != nil {
		return err
	}
	for _, name := range pending {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", zap.String("file", name))
	}
	if len(pending) == 0 {
		s.logger.Debug("schema up to date", zap.Int("applied", len(applied)))
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
