// Package book maintains a local order book from venue snapshots and deltas.
//
// A Book knows how to apply updates and whether an update is in sequence; it does
// not know how to recover from a gap. That is left to the caller (see engine.Resync).
package book

import (
	"time"

	"market_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// State is the synchronization state of a book.
type State int

const (
	Uninitialized State = iota
	Syncing
	Live
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Syncing:
		return "SYNCING"
	case Live:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Book is a two-sided price-level book for one instrument.
// It has a single writer; readers get copies through View.
type Book struct {
	symbol    string
	bids      *Side
	asks      *Side
	sequence  domain.Sequence
	timestamp time.Time
	state     State
	policy    SequencePolicy
}

// New creates an empty, uninitialized book. A nil policy means StrictIncrement.
func New(symbol string, policy SequencePolicy) *Book {
	if policy == nil {
		policy = StrictIncrement
	}
	return &Book{
		symbol:   symbol,
		bids:     newSide(domain.SideBid),
		asks:     newSide(domain.SideAsk),
		sequence: domain.NoSequence,
		policy:   policy,
	}
}

func (b *Book) Symbol() string            { return b.symbol }
func (b *Book) State() State              { return b.state }
func (b *Book) Sequence() domain.Sequence { return b.sequence }
func (b *Book) Timestamp() time.Time      { return b.timestamp }
func (b *Book) Bids() *Side               { return b.bids }
func (b *Book) Asks() *Side               { return b.asks }

// Stamp returns the book's current stream position.
func (b *Book) Stamp() Stamp {
	return Stamp{First: b.sequence, Sequence: b.sequence, Timestamp: b.timestamp}
}

// MarkSyncing moves the book to SYNCING. Levels are kept until the next snapshot
// replaces them but no delta is accepted in the meantime.
func (b *Book) MarkSyncing() {
	b.state = Syncing
}

// Reset discards all levels and sequence state and moves the book to SYNCING.
// Used when sequence continuity is lost with the connection.
func (b *Book) Reset() {
	b.bids.levels = nil
	b.asks.levels = nil
	b.sequence = domain.NoSequence
	b.timestamp = time.Time{}
	b.state = Syncing
}

// ApplySnapshot replaces both sides wholesale and makes the book LIVE.
// Reapplying an identical snapshot yields an identical book.
func (b *Book) ApplySnapshot(bids, asks []domain.Level, seq domain.Sequence, ts time.Time) {
	b.bids.replace(bids)
	b.asks.replace(asks)
	b.sequence = seq
	b.timestamp = ts
	b.state = Live
}

// ApplyDelta applies ops in order if the policy accepts st as the book's successor.
// On Stale or Gap nothing is applied; a Gap must be answered with a resync.
func (b *Book) ApplyDelta(ops []domain.DeltaOp, st Stamp) (Verdict, error) {
	if b.state != Live {
		return InSequence, domain.ErrBookNotLive
	}

	verdict := b.policy.Check(b.Stamp(), st)
	if verdict != InSequence {
		return verdict, nil
	}

	for _, op := range ops {
		side := b.side(op.Side)
		if side == nil {
			continue
		}
		if op.Removes() {
			side.remove(op.Price)
			continue
		}
		side.set(domain.Level{Price: op.Price, Size: op.Size, OrderID: op.OrderID})
	}

	if st.Sequence.Valid() {
		b.sequence = st.Sequence
	}
	if !st.Timestamp.IsZero() {
		b.timestamp = st.Timestamp
	}
	return InSequence, nil
}

func (b *Book) side(s domain.Side) *Side {
	switch s {
	case domain.SideBid:
		return b.bids
	case domain.SideAsk:
		return b.asks
	}
	return nil
}

// View is an immutable copy of a book, safe to share between consumers.
type View struct {
	Symbol    string          `json:"symbol"`
	State     string          `json:"state"`
	Sequence  domain.Sequence `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Bids      []domain.Level  `json:"bids"`
	Asks      []domain.Level  `json:"asks"`
}

// View copies the top depth levels of each side; depth <= 0 copies everything.
func (b *Book) View(depth int) *View {
	return &View{
		Symbol:    b.symbol,
		State:     b.state.String(),
		Sequence:  b.sequence,
		Timestamp: b.timestamp,
		Bids:      b.bids.top(depth),
		Asks:      b.asks.top(depth),
	}
}

// BestBid returns the highest bid.
func (v *View) BestBid() (domain.Level, bool) {
	if len(v.Bids) == 0 {
		return domain.Level{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask.
func (v *View) BestAsk() (domain.Level, bool) {
	if len(v.Asks) == 0 {
		return domain.Level{}, false
	}
	return v.Asks[0], true
}

// Spread returns best ask minus best bid, or false if either side is empty.
func (v *View) Spread() (decimal.Decimal, bool) {
	bid, ok := v.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := v.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}
