package book

import (
	"time"

	"market_sync/internal/domain"
)

// Stamp positions an update in the venue's stream. First is set only by venues that
// batch a range of update ids into one message (first..Sequence).
type Stamp struct {
	First     domain.Sequence
	Sequence  domain.Sequence
	Timestamp time.Time
}

// Verdict is a sequence policy's judgement of an incoming delta.
type Verdict int

const (
	// InSequence deltas are applied.
	InSequence Verdict = iota
	// Stale deltas are already covered by the book and dropped silently.
	Stale
	// Gap means updates were missed; the book must be resynced.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case InSequence:
		return "in_sequence"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// SequencePolicy decides whether next follows current. Venues disagree on what a
// gap is, so every adapter injects its own.
type SequencePolicy interface {
	Check(current, next Stamp) Verdict
}

// PolicyFunc adapts a function to SequencePolicy.
type PolicyFunc func(current, next Stamp) Verdict

func (f PolicyFunc) Check(current, next Stamp) Verdict {
	return f(current, next)
}

// StrictIncrement requires every delta to carry exactly current+1.
// Without sequence numbers on both sides nothing can be detected and deltas apply.
var StrictIncrement SequencePolicy = PolicyFunc(func(current, next Stamp) Verdict {
	if !current.Sequence.Valid() || !next.Sequence.Valid() {
		return InSequence
	}
	if next.Sequence == current.Sequence+1 {
		return InSequence
	}
	return Gap
})

// Monotonic only requires sequences to increase; anything not newer is dropped.
var Monotonic SequencePolicy = PolicyFunc(func(current, next Stamp) Verdict {
	if !current.Sequence.Valid() || !next.Sequence.Valid() {
		return InSequence
	}
	if next.Sequence > current.Sequence {
		return InSequence
	}
	return Stale
})

// RangeCovering is for venues whose deltas cover an id range First..Sequence:
// the range must contain current+1. Deltas ending at or before current are stale.
// A First of zero is the unset value of a literal delta and counts as absent.
var RangeCovering SequencePolicy = PolicyFunc(func(current, next Stamp) Verdict {
	if !current.Sequence.Valid() || !next.Sequence.Valid() {
		return InSequence
	}
	if next.Sequence <= current.Sequence {
		return Stale
	}
	first := next.First
	if first <= 0 {
		first = next.Sequence
	}
	if first <= current.Sequence+1 {
		return InSequence
	}
	return Gap
})

// TimestampOrdered drops deltas older than the book. It never reports a gap.
var TimestampOrdered SequencePolicy = PolicyFunc(func(current, next Stamp) Verdict {
	if current.Timestamp.IsZero() || next.Timestamp.IsZero() {
		return InSequence
	}
	if next.Timestamp.Before(current.Timestamp) {
		return Stale
	}
	return InSequence
})

// PolicyByName resolves a policy from configuration.
func PolicyByName(name string) (SequencePolicy, bool) {
	switch name {
	case "", "strict":
		return StrictIncrement, true
	case "monotonic":
		return Monotonic, true
	case "range":
		return RangeCovering, true
	case "timestamp":
		return TimestampOrdered, true
	}
	return nil, false
}
