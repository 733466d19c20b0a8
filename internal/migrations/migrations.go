package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed *.sql
var MigrationFiles embed.FS

// RunWithPool applies pending migrations through a database/sql handle borrowed
// from the pgx pool
func RunWithPool(pool *pgxpool.Pool, autoMigrate bool, logger *zap.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return Run(db, autoMigrate, logger)
}

// Run executes all pending migrations against the provided database.
// If autoMigrate is false, it only logs the current version.
func Run(db *sql.DB, autoMigrate bool, logger *zap.Logger) error {
	sourceDriver, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		// A dirty version means the previous run died mid-migration; every file is
		// a single transaction so forcing back to it is safe.
		logger.Warn("Database is in dirty state, forcing current version", zap.Uint("version", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
		}
	}

	if !autoMigrate {
		logger.Info("Auto-migration disabled, skipping migrations",
			zap.Uint("current_version", version),
			zap.Bool("dirty", dirty),
		)
		return nil
	}

	logger.Info("Running database migrations", zap.Uint("current_version", version))

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Database schema is up to date", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated migration version: %w", err)
	}

	logger.Info("Database migrations completed",
		zap.Uint("from_version", version),
		zap.Uint("to_version", newVersion),
	)
	return nil
}
