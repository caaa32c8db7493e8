package binance

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"market_sync/internal/domain"
)

// maxPending bounds the ids awaiting a reply; the oldest is forgotten first.
const maxPending = 1024

// Requests builds stream (un)subscribe frames and remembers which key each
// request id was for, so an error reply can be scoped to that key.
type Requests struct {
	catalog domain.InstrumentCatalog
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]domain.Key
}

func NewRequests(catalog domain.InstrumentCatalog) *Requests {
	return &Requests{
		catalog: catalog,
		pending: make(map[int64]domain.Key),
	}
}

// Subscribe is an engine.RequestFactory.
func (r *Requests) Subscribe(key domain.Key) (any, error) {
	return r.build("SUBSCRIBE", key)
}

// Unsubscribe is an engine.RequestFactory.
func (r *Requests) Unsubscribe(key domain.Key) (any, error) {
	return r.build("UNSUBSCRIBE", key)
}

func (r *Requests) build(method string, key domain.Key) (any, error) {
	stream, err := r.StreamName(key)
	if err != nil {
		return nil, err
	}
	id := r.nextID.Add(1)

	r.mu.Lock()
	r.pending[id] = key
	delete(r.pending, id-maxPending)
	r.mu.Unlock()

	return &request{Method: method, Params: []string{stream}, ID: id}, nil
}

// resolve returns and forgets the key of request id.
func (r *Requests) resolve(id int64) (domain.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.pending[id]
	delete(r.pending, id)
	return key, ok
}

// Reset forgets every outstanding request id. Replies to requests written on a
// lost connection never arrive.
func (r *Requests) Reset() {
	r.mu.Lock()
	clear(r.pending)
	r.mu.Unlock()
}

// Pending returns the number of request ids awaiting a reply.
func (r *Requests) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// StreamName maps a subscription key to its stream, e.g. "btcusdt@depth@100ms".
func (r *Requests) StreamName(key domain.Key) (string, error) {
	inst, ok := r.catalog.BySymbol(Venue, key.Symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s not listed on %s", domain.ErrInvalidSymbol, key.Symbol, Venue)
	}
	native := strings.ToLower(inst.VenueSymbol)

	switch {
	case key.Channel == domain.ChannelOrderBook:
		return native + "@depth@100ms", nil
	case key.Channel == domain.ChannelTrades:
		return native + "@trade", nil
	case key.Channel.IsCandles():
		interval := strings.TrimPrefix(string(key.Channel), string(domain.ChannelCandles)+":")
		return native + "@kline_" + interval, nil
	}
	return "", fmt.Errorf("unsupported channel %q", key.Channel)
}
