// Package portfolio tracks open positions and realized profit derived from
// order fills.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

// Position is the net exposure for one symbol. Quantity is signed: positive
// long, negative short.
type Position struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// Flat reports whether the position carries no exposure.
func (p Position) Flat() bool { return p.Quantity.IsZero() }

// Portfolio aggregates positions for one trader. The execution client's
// stream goroutine applies fills while strategies read, so state sits behind
// a mutex.
type Portfolio struct {
	mu        sync.RWMutex
	traderID  identity.TraderID
	clk       clock.Clock
	positions map[string]Position
	realized  decimal.Decimal
	fillCount int
	updatedAt time.Time
}

// New constructs an empty portfolio for the trader.
func New(traderID identity.TraderID, clk clock.Clock) (*Portfolio, error) {
	if err := contract.ValidString(traderID.Value, "trader_id"); err != nil {
		return nil, err
	}
	if err := contract.NotNil(clk, "clock"); err != nil {
		return nil, err
	}
	return &Portfolio{
		traderID:  traderID,
		clk:       clk,
		positions: make(map[string]Position),
	}, nil
}

// TraderID returns the owning trader identity.
func (p *Portfolio) TraderID() identity.TraderID { return p.traderID }

// ApplyFill folds one fill into the position for its symbol. Fills that
// extend a position move the average price; fills against it realize profit
// on the closed units, and any surplus flips the position at the fill price.
func (p *Portfolio) ApplyFill(fill event.OrderFill) error {
	if err := fill.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[fill.Symbol]
	if !ok {
		pos = Position{Symbol: fill.Symbol, AvgPrice: decimal.Zero}
	}

	signed := fill.Quantity
	if fill.Side == event.SideSell {
		signed = signed.Neg()
	}

	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign() {
		// Extending in the same direction: blend the average price.
		cost := pos.AvgPrice.Mul(pos.Quantity.Abs()).Add(fill.Price.Mul(fill.Quantity))
		pos.Quantity = pos.Quantity.Add(signed)
		pos.AvgPrice = cost.Div(pos.Quantity.Abs())
	} else {
		closed := decimal.Min(pos.Quantity.Abs(), fill.Quantity)
		direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		pnl := fill.Price.Sub(pos.AvgPrice).Mul(closed).Mul(direction)
		pnl = pnl.Sub(fill.Commission)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		p.realized = p.realized.Add(pnl)

		pos.Quantity = pos.Quantity.Add(signed)
		switch {
		case pos.Quantity.IsZero():
			pos.AvgPrice = decimal.Zero
		case pos.Quantity.Sign() != int(direction.IntPart()):
			// Flipped through flat: the surplus opens at the fill price.
			pos.AvgPrice = fill.Price
		}
	}

	p.positions[fill.Symbol] = pos
	p.fillCount++
	p.updatedAt = p.clk.Now()
	return nil
}

// UpdatedAt reports when the last fill was applied.
func (p *Portfolio) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

// Position returns the tracked position for symbol.
func (p *Portfolio) Position(symbol string) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// OpenPositions lists positions with non-zero exposure, sorted by symbol.
func (p *Portfolio) OpenPositions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if !pos.Flat() {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RealizedPnL returns the accumulated realized profit across all symbols.
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// FillCount reports how many fills have been applied.
func (p *Portfolio) FillCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fillCount
}
