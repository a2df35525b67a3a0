package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"

	"github.com/flotilla-trading/flotilla/errs"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	store := NewFromClient(client, "flotilla", "TESTER-001", opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKeyCombinesLogNameAndTrader(t *testing.T) {
	store := testStore(t)
	if store.Key() != "flotilla:TESTER-001" {
		t.Fatalf("unexpected key %q", store.Key())
	}
}

func TestAppendAndTailPreserveOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, line := range []string{"first", "second", "third"} {
		if err := store.Append(ctx, []byte(line)); err != nil {
			t.Fatalf("append %q: %v", line, err)
		}
	}

	lines, err := store.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i, line := range want {
		if lines[i] != line {
			t.Fatalf("line %d: got %q want %q", i, lines[i], line)
		}
	}
}

func TestAppendTrimsHistoryToCap(t *testing.T) {
	store := testStore(t, WithMaxRecords(5))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := store.Append(ctx, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	lines, err := store.Tail(ctx, 100)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("history should be capped at 5, got %d", len(lines))
	}
	if lines[0] != "d" || lines[4] != "h" {
		t.Fatalf("trim kept wrong window: %v", lines)
	}
}

func TestAppendSkipsEmptyLines(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	if err := store.Append(ctx, nil); err != nil {
		t.Fatalf("append empty: %v", err)
	}
	lines, err := store.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("empty lines must not be stored: %v", lines)
	}
}

func TestNewVerifiesConnection(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := New(ctx, addr, "flotilla", "TESTER-001")
	if err != nil {
		t.Fatalf("new against live server: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mr.Close()
	if _, err := New(ctx, addr, "flotilla", "TESTER-001"); !errs.HasCode(err, errs.CodeConnection) {
		t.Fatalf("expected connection error against stopped server, got %v", err)
	}
}
