package event

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

func testTraderID(t *testing.T) identity.TraderID {
	t.Helper()
	id, err := identity.NewTraderID("TESTER-001", "001")
	if err != nil {
		t.Fatalf("trader id: %v", err)
	}
	return id
}

func TestNewStampsEnvelopeAndEncodesPayload(t *testing.T) {
	gen := identity.NewDeterministic("evt")
	occurred := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	evt, err := New(gen, testTraderID(t), TypeOrderFill, occurred, OrderFill{
		OrderID:  "ord-1",
		Symbol:   "AUDUSD",
		Side:     SideBuy,
		Quantity: decimal.NewFromInt(100000),
		Price:    decimal.RequireFromString("0.80010"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.ID != "evt-1" {
		t.Fatalf("expected generated id evt-1, got %q", evt.ID)
	}
	if evt.TraderID != "TESTER-001" {
		t.Fatalf("expected trader id TESTER-001, got %q", evt.TraderID)
	}
	if !evt.OccurredAt.Equal(occurred) {
		t.Fatalf("expected occurred_at %v, got %v", occurred, evt.OccurredAt)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("expected valid envelope: %v", err)
	}

	var fill OrderFill
	if err := evt.DecodePayload(&fill); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if fill.Symbol != "AUDUSD" || !fill.Price.Equal(decimal.RequireFromString("0.80010")) {
		t.Fatalf("payload did not round-trip: %+v", fill)
	}
}

func TestValidateRejectsIncompleteEnvelopes(t *testing.T) {
	occurred := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		evt  Event
	}{
		{"missing id", Event{TraderID: "TESTER-001", Type: TypeAccountState, OccurredAt: occurred}},
		{"missing trader", Event{ID: "e", Type: TypeAccountState, OccurredAt: occurred}},
		{"missing type", Event{ID: "e", TraderID: "TESTER-001", OccurredAt: occurred}},
		{"missing time", Event{ID: "e", TraderID: "TESTER-001", Type: TypeAccountState}},
	}
	for _, tc := range cases {
		if err := tc.evt.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestDecodePayloadWithoutPayloadFails(t *testing.T) {
	evt := Event{ID: "e", TraderID: "TESTER-001", Type: TypeNodeLifecycle, OccurredAt: time.Now().UTC()}
	var change LifecycleChanged
	if err := evt.DecodePayload(&change); err == nil {
		t.Fatalf("expected error decoding empty payload")
	}
}

func TestOrderFillValidate(t *testing.T) {
	good := OrderFill{
		OrderID:  "ord-1",
		Symbol:   "EURUSD",
		Side:     SideSell,
		Quantity: decimal.NewFromInt(1000),
		Price:    decimal.RequireFromString("1.1000"),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := good
	bad.Side = "HOLD"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected side validation error")
	}
	bad = good
	bad.Quantity = decimal.Zero
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected quantity validation error")
	}
	bad = good
	bad.Price = decimal.NewFromInt(-1)
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected price validation error")
	}
}
