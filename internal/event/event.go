// Package event defines the normalized events a venue adapter hands to the core.
// The set is closed: only types in this package implement Event.
package event

import (
	"fmt"
	"time"

	"market_sync/internal/domain"
)

// Kind names an event variant.
type Kind string

const (
	KindSnapshot   Kind = "snapshot"
	KindDelta      Kind = "delta"
	KindTrade      Kind = "trade"
	KindCandle     Kind = "candle"
	KindHeartbeat  Kind = "heartbeat"
	KindVenueError Kind = "venue_error"
	KindMalformed  Kind = "malformed"
)

// Event is a normalized inbound message.
type Event interface {
	Kind() Kind
	Validate() error
	isEvent()
}

// Snapshot is a full replacement of both book sides at a known sequence.
type Snapshot struct {
	Symbol    string
	Bids      []domain.Level
	Asks      []domain.Level
	Sequence  domain.Sequence
	Timestamp time.Time
}

// Delta is a batch of incremental changes. FirstSequence is set by venues whose
// messages cover a range of update ids, otherwise it is domain.NoSequence or
// zero; both mean absent.
type Delta struct {
	Symbol        string
	Ops           []domain.DeltaOp
	FirstSequence domain.Sequence
	Sequence      domain.Sequence
	Timestamp     time.Time
}

// Trade carries one or more executed trades of an instrument.
type Trade struct {
	Symbol string
	Trades []domain.Trade
}

// Candle carries OHLCV bars of one interval.
type Candle struct {
	Symbol   string
	Interval string
	Candles  []domain.Candle
}

// Heartbeat keeps the connection alive; it never touches state.
type Heartbeat struct {
	Timestamp time.Time
}

// VenueError is an error published by the venue. Channel and Symbol scope it to
// matching subscriptions; when both are empty it affects every subscription.
type VenueError struct {
	Code    string
	Message string
	Channel domain.Channel
	Symbol  string
}

// Malformed reports a frame the adapter could not decode. When it names a symbol
// whose book is live, that book is resynced.
type Malformed struct {
	Channel domain.Channel
	Symbol  string
	Err     error
}

func (*Snapshot) Kind() Kind   { return KindSnapshot }
func (*Delta) Kind() Kind      { return KindDelta }
func (*Trade) Kind() Kind      { return KindTrade }
func (*Candle) Kind() Kind     { return KindCandle }
func (*Heartbeat) Kind() Kind  { return KindHeartbeat }
func (*VenueError) Kind() Kind { return KindVenueError }
func (*Malformed) Kind() Kind  { return KindMalformed }

func (*Snapshot) isEvent()   {}
func (*Delta) isEvent()      {}
func (*Trade) isEvent()      {}
func (*Candle) isEvent()     {}
func (*Heartbeat) isEvent()  {}
func (*VenueError) isEvent() {}
func (*Malformed) isEvent()  {}

// Key returns the subscription key the snapshot feeds.
func (e *Snapshot) Key() domain.Key {
	return domain.Key{Channel: domain.ChannelOrderBook, Symbol: e.Symbol}
}

// Key returns the subscription key the delta feeds.
func (e *Delta) Key() domain.Key {
	return domain.Key{Channel: domain.ChannelOrderBook, Symbol: e.Symbol}
}

// Key returns the subscription key the trades feed.
func (e *Trade) Key() domain.Key {
	return domain.Key{Channel: domain.ChannelTrades, Symbol: e.Symbol}
}

// Key returns the subscription key the candles feed.
func (e *Candle) Key() domain.Key {
	return domain.Key{Channel: domain.CandleChannel(e.Interval), Symbol: e.Symbol}
}

// Matches reports whether the error applies to key.
func (e *VenueError) Matches(key domain.Key) bool {
	if e.Channel != "" && e.Channel != key.Channel {
		return false
	}
	if e.Symbol != "" && e.Symbol != key.Symbol {
		return false
	}
	return true
}

// Err converts the event into the error delivered to consumers.
func (e *VenueError) Err() error {
	return &domain.VenueError{Code: e.Code, Message: e.Message}
}

func (e *Snapshot) Validate() error {
	if e.Symbol == "" {
		return &domain.DecodeError{Field: "symbol", Err: domain.ErrMalformedEvent}
	}
	if err := validateLevels(e.Bids); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := validateLevels(e.Asks); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	return nil
}

func (e *Delta) Validate() error {
	if e.Symbol == "" {
		return &domain.DecodeError{Field: "symbol", Err: domain.ErrMalformedEvent}
	}
	if e.FirstSequence.Valid() && e.Sequence.Valid() && e.FirstSequence > e.Sequence {
		return &domain.DecodeError{Field: "sequence", Err: domain.ErrMalformedEvent}
	}
	for i, op := range e.Ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func (e *Trade) Validate() error {
	if e.Symbol == "" {
		return &domain.DecodeError{Field: "symbol", Err: domain.ErrMalformedEvent}
	}
	for i, t := range e.Trades {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("trade %d: %w", i, err)
		}
	}
	return nil
}

func (e *Candle) Validate() error {
	if e.Symbol == "" {
		return &domain.DecodeError{Field: "symbol", Err: domain.ErrMalformedEvent}
	}
	if e.Interval == "" {
		return &domain.DecodeError{Field: "interval", Err: domain.ErrMalformedEvent}
	}
	for i, c := range e.Candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("candle %d: %w", i, err)
		}
	}
	return nil
}

func (*Heartbeat) Validate() error { return nil }

func (e *VenueError) Validate() error {
	if e.Code == "" && e.Message == "" {
		return &domain.DecodeError{Field: "code", Err: domain.ErrMalformedEvent}
	}
	return nil
}

func (*Malformed) Validate() error { return nil }

func validateLevels(levels []domain.Level) error {
	for _, l := range levels {
		if l.Price.Sign() <= 0 {
			return &domain.DecodeError{Field: "price", Err: domain.ErrMalformedEvent}
		}
		if l.Size.Sign() < 0 {
			return &domain.DecodeError{Field: "size", Err: domain.ErrMalformedEvent}
		}
	}
	return nil
}
