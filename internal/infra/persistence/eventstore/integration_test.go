package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/flotilla-trading/flotilla/db/migrations"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "flotilla"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/flotilla?sslmode=disable", host, port.Port())

	if err := applyMigrations(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer mig.Close()
	if err := mig.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func requireDatabase(t *testing.T) *Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("event store integration unavailable: %v", setupErr)
	}
	return NewFromPool(testPool)
}

func TestAppendAndRecentRoundTrip(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	gen := identity.NewUUIDGenerator()
	trader, err := identity.NewTraderID("TESTER-001", "001")
	if err != nil {
		t.Fatalf("trader id: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fills := []event.OrderFill{
		{OrderID: "ord-1", Symbol: "AUD/USD", Side: event.SideBuy, Quantity: decimal.NewFromInt(100), Price: decimal.RequireFromString("0.8000")},
		{OrderID: "ord-2", Symbol: "AUD/USD", Side: event.SideSell, Quantity: decimal.NewFromInt(50), Price: decimal.RequireFromString("0.8100")},
	}
	for i, fill := range fills {
		evt, err := event.New(gen, trader, event.TypeOrderFill, base.Add(time.Duration(i)*time.Minute), fill)
		if err != nil {
			t.Fatalf("build event %d: %v", i, err)
		}
		if err := store.Append(ctx, evt); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	events, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	// Newest first.
	var latest event.OrderFill
	if err := events[0].DecodePayload(&latest); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if latest.OrderID != "ord-2" {
		t.Fatalf("expected newest event first, got %q", latest.OrderID)
	}
	for _, evt := range events {
		if evt.TraderID != "TESTER-001" {
			t.Fatalf("trader id lost in round trip: %q", evt.TraderID)
		}
	}
}

func TestAppendIsIdempotentPerEventID(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	gen := identity.NewUUIDGenerator()
	trader, err := identity.NewTraderID("TESTER-001", "001")
	if err != nil {
		t.Fatalf("trader id: %v", err)
	}

	evt, err := event.New(gen, trader, event.TypeNodeLifecycle, time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), event.LifecycleChanged{
		NodeID: "node-it-1",
		State:  "RUNNING",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.Append(ctx, evt); err != nil {
		t.Fatalf("second append must be a no-op: %v", err)
	}

	events, err := store.Recent(ctx, maxRecentLimit)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	seen := 0
	for _, got := range events {
		if got.ID == evt.ID {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("event id stored %d times, want exactly once", seen)
	}
}
