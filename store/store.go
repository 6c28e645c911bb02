// Package store is the Postgres persistence layer: ingest mappings,
// subscriptions, the schema registry, and event logs. Schema changes
// ship as embedded migrations applied at startup.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convolabai/langhook/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// latestSchemaVersion is the highest embedded migration. A database
// already past it belongs to a newer binary.
const latestSchemaVersion = 2

// Store wraps the connection pool and exposes the repositories.
type Store struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "New", "parse database config")
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "New")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "New")
	}

	return &Store{pool: pool, dsn: dsn, logger: logger}, nil
}

// Migrate applies pending embedded migrations. A database already
// migrated past this binary's schema is refused rather than downgraded.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "Migrate")
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return errors.WrapFatal(err, "Store", "Migrate", "open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, s.dsn)
	if err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "Migrate")
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return errors.Wrap(err, "Store", "Migrate", "read schema version")
	}
	if dirty {
		return errors.WrapFatal(fmt.Errorf("schema version %d is dirty", version),
			"Store", "Migrate", "verify schema")
	}
	if version > latestSchemaVersion {
		return errors.WrapFatal(
			fmt.Errorf("%w: database at version %d, binary knows %d",
				errors.ErrMigrationAhead, version, latestSchemaVersion),
			"Store", "Migrate", "verify schema")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.WrapFatal(err, "Store", "Migrate", "apply migrations")
	}
	s.logger.Info("database migrations applied", "version", latestSchemaVersion)
	return nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapKind(err, errors.KindStoreUnavailable, errors.ErrorTransient,
			"Store", "Ping")
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
