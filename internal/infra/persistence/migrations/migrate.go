// Package migrations wires golang-migrate execution for the gateway's
// wallet schema. Migrations can come from a directory on disk or from the
// SQL files embedded into the binary.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coinpilot/tradegate/db/migrations"
)

const embeddedSourceLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. An empty migrationsDir applies the
// embedded migration set instead. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, source string) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", source)
				if logger != nil {
					logger.Printf("database migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed", source)
			return fmt.Errorf("apply migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations applied successfully")
		}
		recordMigrationMetric(ctx, "applied", source)
		return nil
	})
}

// Rollback reverts the most recent steps migrations. An empty migrationsDir
// uses the embedded migration set.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, source string) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", source)
				return nil
			}
			recordMigrationMetric(ctx, "failed", source)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations rolled back: steps=%d", steps)
		}
		recordMigrationMetric(ctx, "rolled_back", source)
		return nil
	})
}

func withMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, run func(*migrate.Migrate, string) error) error {
	source := embeddedSourceLabel
	if strings.TrimSpace(migrationsDir) != "" {
		resolved, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		source = resolved
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := newMigrate(source, driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: source=%s", source)
	}
	return run(m, source)
}

func newMigrate(source string, driver database.Driver) (*migrate.Migrate, error) {
	if source == embeddedSourceLabel {
		fsDriver, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", fsDriver, "pgx5", driver)
	}
	return migrate.NewWithDatabaseInstance(fileURL(source), "pgx5", driver)
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("github.com/coinpilot/tradegate/internal/infra/persistence/migrations")
		counter, err := meter.Int64Counter("gateway.db.migrations",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("source", source),
	))
}
