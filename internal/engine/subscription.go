package engine

import (
	"context"
	"sync"
	"time"

	"market_sync/internal/book"
	"market_sync/internal/cache"
	"market_sync/internal/domain"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
)

// SubState is the lifecycle state of a subscription.
type SubState int

const (
	Pending SubState = iota
	Resolved
	Failed
)

func (s SubState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Resolved:
		return "RESOLVED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Update is one value delivered to a handle. Exactly one of Book, Trades or
// Candles is set, matching the key's channel. Views and slices are shared
// between handles and must not be modified.
type Update struct {
	Key     domain.Key
	Book    *book.View
	Trades  []domain.Trade
	Candles []domain.Candle
}

// RequestFactory builds the outbound request for a key. The payload is opaque to
// the router and handed to the Sender unchanged.
type RequestFactory func(key domain.Key) (any, error)

// subscription is the shared state behind every handle on one key.
// All fields are guarded by Router.mu.
type subscription struct {
	key     domain.Key
	state   SubState
	factory RequestFactory
	handles map[uuid.UUID]*Handle

	resync  *Resync
	trades  *cache.Rolling[domain.Trade]
	candles *cache.Rolling[domain.Candle]

	// Snapshot bookkeeping. generation invalidates fetches started before the
	// latest resync; deadline bounds snapshots expected on the stream.
	generation  uint64
	cancelFetch context.CancelFunc
	deadline    time.Time
}

func (s *subscription) book() *book.Book {
	if s.resync == nil {
		return nil
	}
	return s.resync.Book()
}

// stopFetch abandons any outstanding snapshot request; a fetch still in flight
// will find its generation outdated.
func (s *subscription) stopFetch() {
	s.generation++
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.deadline = time.Time{}
}

func (s *subscription) release() {
	s.stopFetch()
	if s.resync != nil {
		s.resync.Close()
	}
}

// Handle is one consumer's view of a subscription. Updates are queued in a
// mailbox so a slow consumer never blocks dispatch; when the mailbox is full the
// oldest update is dropped.
type Handle struct {
	id       uuid.UUID
	key      domain.Key
	capacity int

	// cursor is the trade cache position already delivered. Guarded by Router.mu.
	cursor cache.Cursor

	mu      sync.Mutex
	mailbox deque.Deque[Update]
	notify  chan struct{}
	closed  bool
	err     error
	dropped uint64
}

func newHandle(key domain.Key, capacity int) *Handle {
	return &Handle{
		id:       uuid.New(),
		key:      key,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func (h *Handle) ID() uuid.UUID   { return h.id }
func (h *Handle) Key() domain.Key { return h.key }

// Dropped returns how many updates were discarded because the mailbox was full.
func (h *Handle) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Err returns the terminal error once the handle is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Next blocks until an update is available, the subscription terminates or ctx
// is done. Updates queued before a failure are delivered before the error.
func (h *Handle) Next(ctx context.Context) (Update, error) {
	for {
		h.mu.Lock()
		if h.mailbox.Len() > 0 {
			u := h.mailbox.PopFront()
			h.mu.Unlock()
			return u, nil
		}
		if h.closed {
			err := h.err
			h.mu.Unlock()
			return Update{}, err
		}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-h.notify:
		}
	}
}

// push queues u and reports whether an older update had to be dropped. A full
// mailbox folds trades into the newest queued update, since each trades update
// only carries what the handle's cursor has not seen yet.
func (h *Handle) push(u Update) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	overflow := false
	full := h.capacity > 0 && h.mailbox.Len() >= h.capacity
	if full && len(u.Trades) > 0 && len(h.mailbox.Back().Trades) > 0 {
		last := h.mailbox.PopBack()
		merged := make([]domain.Trade, 0, len(last.Trades)+len(u.Trades))
		merged = append(append(merged, last.Trades...), u.Trades...)
		last.Trades = merged
		h.mailbox.PushBack(last)
		h.mu.Unlock()

		h.wake()
		return false
	}
	if full {
		h.mailbox.PopFront()
		h.dropped++
		overflow = true
	}
	h.mailbox.PushBack(u)
	h.mu.Unlock()

	h.wake()
	return overflow
}

// fail terminates the handle with err.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.err = err
	h.mu.Unlock()

	h.wake()
}

// close detaches the handle after Unsubscribe; queued updates are discarded.
func (h *Handle) close() {
	h.mu.Lock()
	h.mailbox.Clear()
	closed := h.closed
	h.closed = true
	if !closed {
		h.err = domain.ErrSubscriptionClosed
	}
	h.mu.Unlock()

	h.wake()
}

func (h *Handle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}
