package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single market-data update produced by a broker adapter.
// Ticks are immutable once published to consumers. The JSON form is the
// relay wire format: prices are decimal strings.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`

	LastPrice *decimal.Decimal `json:"lastPrice,omitempty"`
	Open      *decimal.Decimal `json:"open,omitempty"`
	High      *decimal.Decimal `json:"high,omitempty"`
	Low       *decimal.Decimal `json:"low,omitempty"`
	Close     *decimal.Decimal `json:"close,omitempty"`
	Volume    int64            `json:"volume"`

	Bid    *decimal.Decimal `json:"bid,omitempty"`
	Ask    *decimal.Decimal `json:"ask,omitempty"`
	BidQty int64            `json:"bidQty"`
	AskQty int64            `json:"askQty"`
}

// Price returns the traded price of the tick: last price, falling back to close.
// ok is false when neither is present.
func (t Tick) Price() (price float64, ok bool) {
	switch {
	case t.LastPrice != nil:
		return t.LastPrice.InexactFloat64(), true
	case t.Close != nil:
		return t.Close.InexactFloat64(), true
	default:
		return 0, false
	}
}
