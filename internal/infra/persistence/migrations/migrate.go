// Package migrations wires golang-migrate execution for the event store.
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

	dbmigrations "github.com/flotilla-trading/flotilla/db/migrations"
	"github.com/flotilla-trading/flotilla/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// source selects where migration files are read from. The label shows up in
// logs and migration metrics.
type source struct {
	label string
	open  func(driver database.Driver) (*migrate.Migrate, error)
}

func dirSource(dir string) source {
	return source{
		label: dir,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
		},
	}
}

func embeddedSource() source {
	return source{
		label: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			src, err := iofs.New(dbmigrations.Files, ".")
			if err != nil {
				return nil, err
			}
			return migrate.NewWithInstance("iofs", src, "pgx5", driver)
		},
	}
}

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return applyFrom(ctx, dsn, dirSource(resolvedDir), logger)
}

// ApplyEmbedded applies the migrations compiled into the binary, so deployed
// binaries migrate without carrying db/migrations on disk.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return applyFrom(ctx, dsn, embeddedSource(), logger)
}

// Rollback undoes the given number of migration steps using the migrations
// located at migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return rollbackFrom(ctx, dsn, dirSource(resolvedDir), steps, logger)
}

// RollbackEmbedded undoes the given number of migration steps using the
// migrations compiled into the binary.
func RollbackEmbedded(ctx context.Context, dsn string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return rollbackFrom(ctx, dsn, embeddedSource(), steps, logger)
}

// Version reports the schema version currently recorded in the database and
// whether a failed migration left it dirty. A zero version means no migration
// has been applied yet.
func Version(ctx context.Context, dsn string, logger *log.Logger) (version uint, dirty bool, err error) {
	err = withMigrator(ctx, dsn, embeddedSource(), logger, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("read schema version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}

func applyFrom(ctx context.Context, dsn string, src source, logger *log.Logger) error {
	return withMigrator(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("running database migrations: source=%s", src.label)
		}
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", src.label)
				if logger != nil {
					logger.Printf("database migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed", src.label)
			return fmt.Errorf("apply migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("database migrations applied successfully")
		}
		recordMigrationMetric(ctx, "applied", src.label)
		return nil
	})
}

func rollbackFrom(ctx context.Context, dsn string, src source, steps int, logger *log.Logger) error {
	return withMigrator(ctx, dsn, src, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("rolling back database migrations: source=%s steps=%d", src.label, steps)
		}
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop", src.label)
				if logger != nil {
					logger.Printf("no migrations to roll back")
				}
				return nil
			}
			recordMigrationMetric(ctx, "failed", src.label)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		if logger != nil {
			logger.Printf("rolled back %d migration step(s)", steps)
		}
		recordMigrationMetric(ctx, "rolled_back", src.label)
		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, src source, logger *log.Logger, fn func(*migrate.Migrate) error) error {
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

	m, err := src.open(driver)
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

	return fn(m)
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

func recordMigrationMetric(ctx context.Context, result, sourceLabel string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("flotilla_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
		attribute.String("source", sourceLabel),
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
