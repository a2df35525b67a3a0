package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/contract"
	"github.com/flotilla-trading/flotilla/internal/domain/event"
)

// Order is a command submitted to the execution service. ID and SubmittedAt
// are assigned by the client at submit time; a zero Price asks for a market
// order.
type Order struct {
	ID          string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        event.Side      `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Market reports whether the order carries no limit price.
func (o Order) Market() bool { return o.Price.IsZero() }

// Validate checks the command before it is sent.
func (o Order) Validate() error {
	if err := contract.ValidString(o.Symbol, "symbol"); err != nil {
		return err
	}
	if o.Side != event.SideBuy && o.Side != event.SideSell {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("order side must be BUY or SELL"),
			errs.WithField("side", string(o.Side)))
	}
	if !o.Quantity.IsPositive() {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("order quantity must be positive"),
			errs.WithField("quantity", o.Quantity.String()))
	}
	if o.Price.IsNegative() {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("order price cannot be negative"),
			errs.WithField("price", o.Price.String()))
	}
	return nil
}
