package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one top-of-book quote published on a tick topic.
type Tick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	At     time.Time       `json:"at"`
}

// Mid returns the midpoint between bid and ask.
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// Bar is one aggregated candle published on a bar topic. At is the close
// time of the interval.
type Bar struct {
	Symbol string          `json:"symbol"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	At     time.Time       `json:"at"`
}

// Instrument describes one tradable symbol as reported by the data service.
type Instrument struct {
	Symbol         string          `json:"symbol"`
	Venue          string          `json:"venue"`
	BaseCurrency   string          `json:"base_currency"`
	QuoteCurrency  string          `json:"quote_currency"`
	PriceIncrement decimal.Decimal `json:"price_increment"`
	SizeIncrement  decimal.Decimal `json:"size_increment"`
	MinQuantity    decimal.Decimal `json:"min_quantity"`
}

// TickHandler consumes decoded ticks for one subscribed symbol.
type TickHandler func(Tick)

// BarHandler consumes decoded bars for one subscribed symbol.
type BarHandler func(Bar)

func tickTopic(symbol string) string { return "tick." + symbol }

func barTopic(symbol string) string { return "bar." + symbol }

func instrumentTopic(venue string) string { return "instrument." + venue }
