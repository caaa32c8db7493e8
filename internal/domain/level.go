package domain

import "github.com/shopspring/decimal"

// Side is one side of an order book.
type Side int

const (
	SideBid Side = iota + 1
	SideAsk
)

// String returns the string representation of Side
func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "UNKNOWN"
	}
}

// Level is one price level of a book side.
// OrderID is set only by venues that publish per-order books.
type Level struct {
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	OrderID string          `json:"order_id,omitempty"`
}

// NewLevel parses a [price, size] string pair as sent by most venues.
func NewLevel(price, size string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, &DecodeError{Field: "price", Err: err}
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return Level{}, &DecodeError{Field: "size", Err: err}
	}
	return Level{Price: p, Size: s}, nil
}

// OpKind is the kind of a delta operation.
type OpKind int

const (
	OpUpsert OpKind = iota + 1
	OpRemove
)

// DeltaOp is a single incremental change against a live book.
// It is consumed once and not retained.
type DeltaOp struct {
	Kind    OpKind          `json:"kind"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	OrderID string          `json:"order_id,omitempty"`
}

// Removes reports whether the op deletes its price level.
// An upsert with size exactly zero is a removal.
func (op DeltaOp) Removes() bool {
	return op.Kind == OpRemove || op.Size.IsZero()
}

// Validate checks the op is well formed.
func (op DeltaOp) Validate() error {
	if op.Kind != OpUpsert && op.Kind != OpRemove {
		return &DecodeError{Field: "kind", Err: ErrMalformedEvent}
	}
	if op.Side != SideBid && op.Side != SideAsk {
		return &DecodeError{Field: "side", Err: ErrMalformedEvent}
	}
	if op.Price.Sign() <= 0 {
		return &DecodeError{Field: "price", Err: ErrMalformedEvent}
	}
	if op.Kind == OpUpsert && op.Size.Sign() < 0 {
		return &DecodeError{Field: "size", Err: ErrMalformedEvent}
	}
	return nil
}
