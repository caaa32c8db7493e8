package domain

import (
	"context"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// InstrumentCatalog resolves venue symbols to instruments and back.
type InstrumentCatalog interface {
	ByVenueSymbol(venue, venueSymbol string) (*Instrument, bool)
	BySymbol(venue, symbol string) (*Instrument, bool)
}
