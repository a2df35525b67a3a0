package identity

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewTraderIDPassesValuesThroughUnaltered(t *testing.T) {
	id, err := NewTraderID("TESTER-001", "001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "TESTER-001" {
		t.Fatalf("expected identifier TESTER-001, got %q", id.String())
	}
	if id.Tag != "001" {
		t.Fatalf("expected tag 001, got %q", id.Tag)
	}
}

func TestNewTraderIDRejectsBlankInputs(t *testing.T) {
	if _, err := NewTraderID("", "001"); err == nil {
		t.Fatalf("expected violation for empty trader id")
	}
	if _, err := NewTraderID("TESTER-001", "  "); err == nil {
		t.Fatalf("expected violation for whitespace tag")
	}
}

func TestNewNodeIDIsUniquePerCall(t *testing.T) {
	gen := NewUUIDGenerator()
	a := NewNodeID(gen)
	b := NewNodeID(gen)
	if a.IsZero() || b.IsZero() {
		t.Fatalf("node ids must not be zero")
	}
	if a == b {
		t.Fatalf("expected distinct node ids, both were %q", a)
	}
}

func TestUUIDGeneratorMintsParseableValues(t *testing.T) {
	gen := NewUUIDGenerator()
	if _, err := uuid.Parse(gen.NewID()); err != nil {
		t.Fatalf("expected parseable uuid: %v", err)
	}
}

func TestNewAccountIDUppercasesIssuer(t *testing.T) {
	id, err := NewAccountID("simex", "001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "SIMEX-001" {
		t.Fatalf("expected SIMEX-001, got %q", id.String())
	}
}

func TestDeterministicSequence(t *testing.T) {
	gen := NewDeterministic("ord")
	if got := gen.NewID(); got != "ord-1" {
		t.Fatalf("expected ord-1, got %q", got)
	}
	if got := gen.NewID(); got != "ord-2" {
		t.Fatalf("expected ord-2, got %q", got)
	}
}
