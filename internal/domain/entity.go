package domain

import (
	"time"
)

// InstrumentInfo is the catalog row mapping a venue symbol to its unified symbol.
// Only catalog metadata is persisted; book state is always rebuilt from snapshots.
type InstrumentInfo struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Venue       string    `gorm:"uniqueIndex:idx_venue_symbol" json:"venue"`
	Symbol      string    `gorm:"uniqueIndex:idx_venue_symbol" json:"symbol"`
	VenueSymbol string    `gorm:"index" json:"venue_symbol"`
	Base        string    `json:"base"`
	Quote       string    `json:"quote"`
	IsActive    bool      `json:"is_active" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Instrument converts the catalog row into the value the core references.
func (i *InstrumentInfo) Instrument() Instrument {
	return Instrument{
		Venue:       i.Venue,
		Symbol:      i.Symbol,
		VenueSymbol: i.VenueSymbol,
		Base:        i.Base,
		Quote:       i.Quote,
	}
}
