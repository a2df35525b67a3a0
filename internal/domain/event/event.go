// Package event defines the domain events exchanged between the execution
// client, the trading engine, and the event store.
package event

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/flotilla-trading/flotilla/errs"
	"github.com/flotilla-trading/flotilla/internal/domain/identity"
)

// Type identifies a domain event category.
type Type string

const (
	// TypeAccountState carries a full account balance snapshot.
	TypeAccountState Type = "account.state"
	// TypeOrderFill reports a filled or partially filled order.
	TypeOrderFill Type = "order.fill"
	// TypePositionChanged reports a portfolio position update.
	TypePositionChanged Type = "position.changed"
	// TypeNodeLifecycle records a node lifecycle transition.
	TypeNodeLifecycle Type = "node.lifecycle"
)

// Event is the envelope persisted to the event store and routed off the
// execution event stream.
type Event struct {
	ID         string          `json:"id"`
	TraderID   string          `json:"trader_id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New mints an event envelope, serializing payload when one is given.
func New(gen identity.Generator, traderID identity.TraderID, typ Type, occurredAt time.Time, payload any) (Event, error) {
	evt := Event{
		ID:         gen.NewID(),
		TraderID:   traderID.String(),
		Type:       typ,
		OccurredAt: occurredAt.UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errs.New("event", errs.CodeInvalid,
				errs.WithMessage("encode event payload"), errs.WithCause(err))
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Validate checks the envelope invariants before persistence or routing.
func (e Event) Validate() error {
	if e.ID == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if e.TraderID == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("trader id required"))
	}
	if e.Type == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if e.OccurredAt.IsZero() {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("occurred_at required"))
	}
	return nil
}

// DecodePayload unmarshals the payload into dst.
func (e Event) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("event carries no payload"),
			errs.WithField("type", string(e.Type)))
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return errs.New("event", errs.CodeInvalid,
			errs.WithMessage("decode event payload"),
			errs.WithField("type", string(e.Type)),
			errs.WithCause(err))
	}
	return nil
}

// Side labels the direction of an order or fill.
type Side string

const (
	// SideBuy increases exposure.
	SideBuy Side = "BUY"
	// SideSell decreases exposure.
	SideSell Side = "SELL"
)

// Balance is one currency's holdings inside an account snapshot.
type Balance struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
}

// AccountState is the payload of TypeAccountState events.
type AccountState struct {
	AccountID string    `json:"account_id"`
	Balances  []Balance `json:"balances"`
}

// OrderFill is the payload of TypeOrderFill events.
type OrderFill struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
}

// Validate checks the fill invariants before it reaches the portfolio.
func (f OrderFill) Validate() error {
	if f.OrderID == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("fill order id required"))
	}
	if f.Symbol == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("fill symbol required"))
	}
	if f.Side != SideBuy && f.Side != SideSell {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("fill side must be BUY or SELL"),
			errs.WithField("side", string(f.Side)))
	}
	if !f.Quantity.IsPositive() {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("fill quantity must be positive"),
			errs.WithField("quantity", f.Quantity.String()))
	}
	if !f.Price.IsPositive() {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("fill price must be positive"),
			errs.WithField("price", f.Price.String()))
	}
	return nil
}

// PositionChanged is the payload of TypePositionChanged events.
type PositionChanged struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// LifecycleChanged is the payload of TypeNodeLifecycle events.
type LifecycleChanged struct {
	NodeID string `json:"node_id"`
	State  string `json:"state"`
}
