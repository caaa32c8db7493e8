package engine

import (
	"market_sync/internal/book"
	"market_sync/internal/event"

	"github.com/gammazero/deque"
)

// Outcome tells the router what a resync step did to the book.
type Outcome int

const (
	// Applied means the book changed and subscribers should see it.
	Applied Outcome = iota
	// Buffered means the delta is held until the next snapshot.
	Buffered
	// Dropped means the delta was stale and ignored.
	Dropped
	// NeedSnapshot means the book is SYNCING and a fresh snapshot must be requested.
	NeedSnapshot
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	case NeedSnapshot:
		return "need_snapshot"
	default:
		return "unknown"
	}
}

// ResyncStats counts what a Resync did over its lifetime.
type ResyncStats struct {
	Resyncs   uint64 `json:"resyncs"`
	Replayed  uint64 `json:"replayed"`
	Discarded uint64 `json:"discarded"`
	Buffered  int    `json:"buffered"`
}

// Resync sits in front of a Book and reconciles deltas that race the snapshot.
// While the book is not LIVE, deltas queue in arrival order; a snapshot installs
// and then replays them. It takes ownership of every delta handed to it and
// returns them to the event pool once they are no longer needed.
//
// Not safe for concurrent use; the router serializes access.
type Resync struct {
	book        *book.Book
	buffer      deque.Deque[*event.Delta]
	maxBuffered int
	rec         Recorder
	stats       ResyncStats
}

// NewResync wraps b. maxBuffered <= 0 leaves the buffer uncapped.
func NewResync(b *book.Book, maxBuffered int, rec Recorder) *Resync {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Resync{book: b, maxBuffered: maxBuffered, rec: rec}
}

func (r *Resync) Book() *book.Book { return r.book }

// Pending returns the number of buffered deltas.
func (r *Resync) Pending() int { return r.buffer.Len() }

func (r *Resync) Stats() ResyncStats {
	s := r.stats
	s.Buffered = r.buffer.Len()
	return s
}

// Delta routes ev to the book, or to the replay buffer while the book is syncing.
func (r *Resync) Delta(ev *event.Delta) Outcome {
	if r.book.State() != book.Live {
		r.buffer.PushBack(ev)
		if r.maxBuffered > 0 && r.buffer.Len() > r.maxBuffered {
			// The snapshot is not coming; start over from a fresh one.
			r.clear()
			r.begin()
			return NeedSnapshot
		}
		return Buffered
	}

	verdict, err := r.book.ApplyDelta(ev.Ops, stamp(ev))
	if err == nil && verdict == book.Gap {
		// The delta that exposed the gap opens the replay buffer; the new
		// snapshot may land just before it.
		r.begin()
		r.buffer.PushBack(ev)
		return NeedSnapshot
	}
	event.ReleaseDelta(ev)
	if err != nil || verdict == book.Stale {
		return Dropped
	}
	return Applied
}

// Snapshot installs ev and replays the buffer. A gap found during replay stops
// it and returns NeedSnapshot with the book back in SYNCING; the gapped delta
// and everything after it stay buffered for the next snapshot.
func (r *Resync) Snapshot(ev *event.Snapshot) Outcome {
	r.book.ApplySnapshot(ev.Bids, ev.Asks, ev.Sequence, ev.Timestamp)

	var replayed, discarded int
	defer func() {
		r.stats.Replayed += uint64(replayed)
		r.stats.Discarded += uint64(discarded)
		r.rec.DeltasReplayed(replayed)
		r.rec.DeltasDiscarded(discarded)
	}()

	for r.buffer.Len() > 0 {
		d := r.buffer.PopFront()
		if ev.Sequence.Valid() && d.Sequence.Valid() && d.Sequence <= ev.Sequence {
			discarded++
			event.ReleaseDelta(d)
			continue
		}

		verdict, err := r.book.ApplyDelta(d.Ops, stamp(d))
		if err == nil && verdict == book.Gap {
			r.buffer.PushFront(d)
			r.begin()
			return NeedSnapshot
		}
		event.ReleaseDelta(d)
		switch verdict {
		case book.InSequence:
			replayed++
		case book.Stale:
			discarded++
		}
	}
	return Applied
}

// Invalidate forces a resync of a book whose stream can no longer be trusted.
func (r *Resync) Invalidate() {
	r.clear()
	r.begin()
}

// Reset drops the book's levels and sequence along with any buffered deltas.
// Sequence state does not survive a new connection.
func (r *Resync) Reset() {
	r.clear()
	r.book.Reset()
}

// Close releases buffered deltas. The Resync must not be used afterwards.
func (r *Resync) Close() {
	r.clear()
}

func (r *Resync) begin() {
	r.book.MarkSyncing()
	r.stats.Resyncs++
	r.rec.Resync(r.book.Symbol())
}

func (r *Resync) clear() {
	for r.buffer.Len() > 0 {
		event.ReleaseDelta(r.buffer.PopFront())
	}
}

func stamp(ev *event.Delta) book.Stamp {
	return book.Stamp{First: ev.FirstSequence, Sequence: ev.Sequence, Timestamp: ev.Timestamp}
}
