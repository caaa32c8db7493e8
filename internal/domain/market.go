package domain

import (
	"fmt"
	"strings"
)

// Instrument maps a venue's native symbol onto the unified symbol the core keys on.
// It is owned by the instrument catalog; the core only references it by Symbol.
type Instrument struct {
	Venue       string `json:"venue"`
	Symbol      string `json:"symbol"`       // Unified symbol (e.g., "BTC/USDT")
	VenueSymbol string `json:"venue_symbol"` // Native symbol (e.g., "BTCUSDT")
	Base        string `json:"base"`
	Quote       string `json:"quote"`
}

// NewInstrument builds an instrument from its base/quote assets.
func NewInstrument(venue, base, quote, venueSymbol string) (*Instrument, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return nil, fmt.Errorf("%w: base and quote must not be empty", ErrInvalidSymbol)
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote must be different", ErrInvalidSymbol)
	}
	return &Instrument{
		Venue:       venue,
		Symbol:      base + "/" + quote,
		VenueSymbol: venueSymbol,
		Base:        base,
		Quote:       quote,
	}, nil
}

// ParseSymbol splits a unified symbol ("BTC/USDT") into base and quote.
func ParseSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

// Channel names a class of market data a consumer can subscribe to.
type Channel string

const (
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelCandles   Channel = "candles"
)

// CandleChannel returns the channel for candles of the given interval ("candles:1m").
func CandleChannel(interval string) Channel {
	return Channel(string(ChannelCandles) + ":" + interval)
}

// IsCandles reports whether c is a candle channel of any interval.
func (c Channel) IsCandles() bool {
	return c == ChannelCandles || strings.HasPrefix(string(c), string(ChannelCandles)+":")
}

// Key identifies one logical subscription: a channel on one instrument.
type Key struct {
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
}

func (k Key) String() string {
	return string(k.Channel) + ":" + k.Symbol
}

// Sequence is a venue update counter. Venues that do not number their
// messages leave it at NoSequence.
type Sequence int64

// NoSequence marks an absent sequence number.
const NoSequence Sequence = -1

// Valid reports whether the sequence carries a value.
func (s Sequence) Valid() bool {
	return s >= 0
}
