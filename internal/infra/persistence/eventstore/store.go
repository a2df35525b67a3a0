// Package eventstore persists domain events to Postgres.
package eventstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500

	insertEventSQL = `
INSERT INTO events (
    id,
    trader_id,
    event_type,
    occurred_at,
    payload,
    created_at
)
VALUES (
    @id,
    @trader_id,
    @event_type,
    @occurred_at,
    @payload::jsonb,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	recentEventsSQL = `
SELECT
    id::text,
    trader_id,
    event_type,
    occurred_at,
    payload
FROM events
ORDER BY occurred_at DESC, created_at DESC
LIMIT $1;
`
)

// Store persists domain events through a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against the DSN and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.New("eventstore", errs.CodeConnection,
			errs.WithMessage("open event store pool"),
			errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("eventstore", errs.CodeConnection,
			errs.WithMessage("ping event store"),
			errs.WithCause(err))
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. A nil pool is allowed so callers can
// exercise validation paths without a database.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, errs.New("eventstore", errs.CodeStore, errs.WithMessage("nil pool"))
	}
	return s.pool, nil
}

// Append persists one event. The event is validated first so malformed
// envelopes never reach the database.
func (s *Store) Append(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	args := pgx.NamedArgs{
		"id":          evt.ID,
		"trader_id":   evt.TraderID,
		"event_type":  string(evt.Type),
		"occurred_at": evt.OccurredAt,
		"payload":     []byte(payload),
	}
	if _, err := pool.Exec(ctx, insertEventSQL, args); err != nil {
		return errs.New("eventstore", errs.CodeStore,
			errs.WithMessage("insert event"),
			errs.WithField("event_type", string(evt.Type)),
			errs.WithCause(err))
	}
	return nil
}

// Recent returns the latest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]event.Event, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recentEventsSQL, clampLimit(limit, defaultRecentLimit, maxRecentLimit))
	if err != nil {
		return nil, errs.New("eventstore", errs.CodeStore,
			errs.WithMessage("list recent events"),
			errs.WithCause(err))
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			evt        event.Event
			eventType  string
			occurredAt time.Time
			payload    []byte
		)
		if err := rows.Scan(&evt.ID, &evt.TraderID, &eventType, &occurredAt, &payload); err != nil {
			return nil, errs.New("eventstore", errs.CodeStore,
				errs.WithMessage("scan event"),
				errs.WithCause(err))
		}
		evt.Type = event.Type(eventType)
		evt.OccurredAt = occurredAt.UTC()
		if len(payload) > 0 {
			evt.Payload = json.RawMessage(payload)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("eventstore", errs.CodeStore,
			errs.WithMessage("iterate events"),
			errs.WithCause(err))
	}
	return events, nil
}

// Close releases the pool. Safe on a store without one.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
