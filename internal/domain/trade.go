package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the aggressor side of a trade.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// Trade is an executed trade as reported by a venue. Immutable once created.
type Trade struct {
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      TradeSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// Cost returns price * amount
func (t Trade) Cost() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}

// Validate checks the trade is well formed.
func (t Trade) Validate() error {
	if t.Price.Sign() <= 0 {
		return &DecodeError{Field: "price", Err: ErrMalformedEvent}
	}
	if t.Amount.Sign() < 0 {
		return &DecodeError{Field: "amount", Err: ErrMalformedEvent}
	}
	if t.Side != TradeBuy && t.Side != TradeSell && t.Side != "" {
		return &DecodeError{Field: "side", Err: ErrMalformedEvent}
	}
	return nil
}

// Candle is one OHLCV bar. Timestamp is the open time and identifies the bar;
// a venue re-sending the forming bar produces a new revision with the same Timestamp.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks the bar is internally consistent.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &DecodeError{Field: "timestamp", Err: ErrMalformedEvent}
	}
	if c.High.LessThan(c.Low) {
		return &DecodeError{Field: "high", Err: ErrMalformedEvent}
	}
	if c.Volume.Sign() < 0 {
		return &DecodeError{Field: "volume", Err: ErrMalformedEvent}
	}
	return nil
}
