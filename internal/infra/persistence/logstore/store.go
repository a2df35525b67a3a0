// Package logstore persists rendered log records to Redis so a node's
// history can be tailed after the process exits.
package logstore

import (
	"context"

	backend "github.com/redis/go-redis/v9"

	"github.com/flotilla-trading/flotilla/errs"
)

const defaultMaxRecords = 100_000

// Store appends log lines to a capped Redis list. The key combines the
// configured log name with the trader identity so several nodes can share
// one server.
type Store struct {
	client *backend.Client
	key    string
	max    int64
}

// Option adjusts store construction.
type Option func(*Store)

// WithMaxRecords caps the retained history length.
func WithMaxRecords(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// New connects to the log store and verifies the connection with a ping.
func New(ctx context.Context, addr, logName, traderID string, opts ...Option) (*Store, error) {
	client := backend.NewClient(&backend.Options{Addr: addr})
	store := NewFromClient(client, logName, traderID, opts...)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.New("logstore", errs.CodeConnection,
			errs.WithMessage("ping log store"),
			errs.WithField("addr", addr),
			errs.WithCause(err))
	}
	return store, nil
}

// NewFromClient wraps an existing client, primarily for tests.
func NewFromClient(client *backend.Client, logName, traderID string, opts ...Option) *Store {
	store := &Store{
		client: client,
		key:    logName + ":" + traderID,
		max:    defaultMaxRecords,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Key returns the Redis list key records are appended to.
func (s *Store) Key() string {
	return s.key
}

// Append adds one rendered record and trims history to the cap.
func (s *Store) Append(ctx context.Context, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key, line)
	pipe.LTrim(ctx, s.key, -s.max, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.New("logstore", errs.CodeStore,
			errs.WithMessage("append log record"),
			errs.WithCause(err))
	}
	return nil
}

// Tail returns up to n of the most recent records, oldest first.
func (s *Store) Tail(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	lines, err := s.client.LRange(ctx, s.key, -n, -1).Result()
	if err != nil {
		return nil, errs.New("logstore", errs.CodeStore,
			errs.WithMessage("read log history"),
			errs.WithCause(err))
	}
	return lines, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
