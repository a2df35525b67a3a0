package trader

import (
	"context"
	"log/slog"
	"time"

	"github.com/flotilla-trading/flotilla/internal/client/execution"
	"github.com/flotilla-trading/flotilla/internal/client/marketdata"
	"github.com/flotilla-trading/flotilla/internal/domain/account"
	"github.com/flotilla-trading/flotilla/internal/domain/clock"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
	"github.com/flotilla-trading/flotilla/internal/domain/portfolio"
)

// MarketData is the slice of the data client a strategy may use.
type MarketData interface {
	SubscribeTicks(symbol string, handler marketdata.TickHandler) error
	SubscribeBars(symbol string, handler marketdata.BarHandler) error
	Instrument(symbol string) (marketdata.Instrument, bool)
}

// Execution is the slice of the execution client a strategy may use.
type Execution interface {
	SubmitOrder(ctx context.Context, order execution.Order) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Kit is the controlled surface a strategy trades through. Each strategy
// receives its own kit with a logger scoped to its id.
type Kit struct {
	traderID identity.TraderID
	data     MarketData
	exec     Execution
	acct     *account.Account
	pf       *portfolio.Portfolio
	clk      clock.Clock
	log      *slog.Logger
}

// TraderID returns the identity the strategy trades under.
func (k *Kit) TraderID() identity.TraderID { return k.traderID }

// Logger returns the strategy-scoped logger.
func (k *Kit) Logger() *slog.Logger { return k.log }

// Now reads the shared clock.
func (k *Kit) Now() time.Time { return k.clk.Now() }

// SubscribeTicks registers a tick handler for symbol.
func (k *Kit) SubscribeTicks(symbol string, handler marketdata.TickHandler) error {
	return k.data.SubscribeTicks(symbol, handler)
}

// SubscribeBars registers a bar handler for symbol.
func (k *Kit) SubscribeBars(symbol string, handler marketdata.BarHandler) error {
	return k.data.SubscribeBars(symbol, handler)
}

// Instrument returns the cached definition for symbol.
func (k *Kit) Instrument(symbol string) (marketdata.Instrument, bool) {
	return k.data.Instrument(symbol)
}

// SubmitOrder sends an order command through the execution client.
func (k *Kit) SubmitOrder(ctx context.Context, order execution.Order) (string, error) {
	return k.exec.SubmitOrder(ctx, order)
}

// CancelOrder asks the execution service to cancel an order.
func (k *Kit) CancelOrder(ctx context.Context, orderID string) error {
	return k.exec.CancelOrder(ctx, orderID)
}

// Account returns the node's account for balance reads.
func (k *Kit) Account() *account.Account { return k.acct }

// Portfolio returns the node's portfolio for position reads.
func (k *Kit) Portfolio() *portfolio.Portfolio { return k.pf }
