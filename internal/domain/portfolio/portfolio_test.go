package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

func testPortfolio(t *testing.T) *Portfolio {
	t.Helper()
	id, err := identity.NewTraderID("TESTER-001", "001")
	if err != nil {
		t.Fatalf("trader id: %v", err)
	}
	p, err := New(id, clock.NewTest())
	if err != nil {
		t.Fatalf("new portfolio: %v", err)
	}
	return p
}

func fill(order, symbol string, side event.Side, qty, price string) event.OrderFill {
	return event.OrderFill{
		OrderID:  order,
		Symbol:   symbol,
		Side:     side,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func TestApplyFillOpensAndExtendsPosition(t *testing.T) {
	p := testPortfolio(t)

	if err := p.ApplyFill(fill("o1", "AUDUSD", event.SideBuy, "100", "0.80")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.ApplyFill(fill("o2", "AUDUSD", event.SideBuy, "100", "0.90")); err != nil {
		t.Fatalf("extend: %v", err)
	}

	pos, ok := p.Position("AUDUSD")
	if !ok {
		t.Fatalf("expected position")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected quantity 200, got %s", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("0.85")) {
		t.Fatalf("expected blended average 0.85, got %s", pos.AvgPrice)
	}
}

func TestApplyFillRealizesProfitOnReduce(t *testing.T) {
	p := testPortfolio(t)
	if err := p.ApplyFill(fill("o1", "EURUSD", event.SideBuy, "100", "1.10")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.ApplyFill(fill("o2", "EURUSD", event.SideSell, "40", "1.20")); err != nil {
		t.Fatalf("reduce: %v", err)
	}

	pos, _ := p.Position("EURUSD")
	if !pos.Quantity.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected remaining 60, got %s", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("1.10")) {
		t.Fatalf("reducing must not move the average, got %s", pos.AvgPrice)
	}
	want := decimal.RequireFromString("4") // (1.20 - 1.10) * 40
	if !p.RealizedPnL().Equal(want) {
		t.Fatalf("expected realized %s, got %s", want, p.RealizedPnL())
	}
}

func TestApplyFillFlipsThroughFlat(t *testing.T) {
	p := testPortfolio(t)
	if err := p.ApplyFill(fill("o1", "EURUSD", event.SideSell, "50", "1.10")); err != nil {
		t.Fatalf("open short: %v", err)
	}
	if err := p.ApplyFill(fill("o2", "EURUSD", event.SideBuy, "80", "1.00")); err != nil {
		t.Fatalf("flip: %v", err)
	}

	pos, _ := p.Position("EURUSD")
	if !pos.Quantity.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected flipped long 30, got %s", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("surplus must open at the fill price, got %s", pos.AvgPrice)
	}
	// Short 50 @ 1.10 closed at 1.00 realizes (1.00 - 1.10) * 50 * -1 = 5.
	want := decimal.RequireFromString("5")
	if !p.RealizedPnL().Equal(want) {
		t.Fatalf("expected realized %s, got %s", want, p.RealizedPnL())
	}
}

func TestApplyFillClosesToFlat(t *testing.T) {
	p := testPortfolio(t)
	if err := p.ApplyFill(fill("o1", "GBPUSD", event.SideBuy, "10", "1.30")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.ApplyFill(fill("o2", "GBPUSD", event.SideSell, "10", "1.25")); err != nil {
		t.Fatalf("close: %v", err)
	}
	pos, _ := p.Position("GBPUSD")
	if !pos.Flat() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
	if len(p.OpenPositions()) != 0 {
		t.Fatalf("flat positions must not appear in OpenPositions")
	}
	want := decimal.RequireFromString("-0.5")
	if !p.RealizedPnL().Equal(want) {
		t.Fatalf("expected realized %s, got %s", want, p.RealizedPnL())
	}
}

func TestApplyFillDeductsCommission(t *testing.T) {
	p := testPortfolio(t)
	if err := p.ApplyFill(fill("o1", "USDJPY", event.SideBuy, "100", "150")); err != nil {
		t.Fatalf("open: %v", err)
	}
	closing := fill("o2", "USDJPY", event.SideSell, "100", "151")
	closing.Commission = decimal.RequireFromString("2.5")
	if err := p.ApplyFill(closing); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := decimal.RequireFromString("97.5") // 100 gross - 2.5 commission
	if !p.RealizedPnL().Equal(want) {
		t.Fatalf("expected realized %s, got %s", want, p.RealizedPnL())
	}
}

func TestApplyFillRejectsInvalidFills(t *testing.T) {
	p := testPortfolio(t)
	bad := fill("o1", "EURUSD", event.SideBuy, "100", "1.10")
	bad.Side = "HOLD"
	if err := p.ApplyFill(bad); err == nil {
		t.Fatalf("expected validation error")
	}
	if p.FillCount() != 0 {
		t.Fatalf("rejected fill must not count")
	}
}
