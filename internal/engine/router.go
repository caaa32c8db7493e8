package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_sync/internal/book"
	"market_sync/internal/cache"
	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Sender delivers an outbound request to the venue connection.
type Sender interface {
	Send(ctx context.Context, request any) error
}

// SnapshotFetcher retrieves an order book snapshot out of band, usually over REST.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, key domain.Key) (*event.Snapshot, error)
}

// Config bounds the router's resources.
type Config struct {
	InboxSize       int
	MailboxCapacity int
	MaxBuffered     int
	SnapshotTimeout time.Duration
	SnapshotRetries int
	TradesCapacity  int
	CandlesCapacity int
	// BookDepth limits broadcast views; 0 sends full books.
	BookDepth int
}

func DefaultConfig() Config {
	return Config{
		InboxSize:       1024,
		MailboxCapacity: 256,
		MaxBuffered:     1000,
		SnapshotTimeout: 10 * time.Second,
		SnapshotRetries: 3,
		TradesCapacity:  1000,
		CandlesCapacity: 500,
	}
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the sequence policy of every book. Defaults to book.StrictIncrement.
func WithPolicy(p book.SequencePolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithFetcher makes the router pull snapshots instead of waiting for them on the stream.
func WithFetcher(f SnapshotFetcher) Option {
	return func(r *Router) { r.fetcher = f }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.rec = rec }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithUnsubscribeFactory sends a request when the last handle of a key leaves.
func WithUnsubscribeFactory(f RequestFactory) Option {
	return func(r *Router) { r.unsubscribe = f }
}

func withClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router owns every book and cache fed by one venue connection. It coalesces
// subscriptions per key, routes normalized events to the right state and
// broadcasts each change to all handles of the key.
type Router struct {
	cfg         Config
	sender      Sender
	fetcher     SnapshotFetcher
	policy      book.SequencePolicy
	rec         Recorder
	logger      *slog.Logger
	unsubscribe RequestFactory
	now         func() time.Time

	inbox chan event.Event

	// ctx scopes snapshot fetches; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[domain.Key]*subscription
}

// NewRouter creates a router sending subscription requests through sender.
func NewRouter(sender Sender, cfg Config, opts ...Option) *Router {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.TradesCapacity <= 0 {
		cfg.TradesCapacity = DefaultConfig().TradesCapacity
	}
	if cfg.CandlesCapacity <= 0 {
		cfg.CandlesCapacity = DefaultConfig().CandlesCapacity
	}
	if cfg.SnapshotRetries < 0 {
		cfg.SnapshotRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:    cfg,
		sender: sender,
		policy: book.StrictIncrement,
		rec:    nopRecorder{},
		logger: slog.Default(),
		now:    time.Now,
		inbox:  make(chan event.Event, cfg.InboxSize),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[domain.Key]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "router"))
	return r
}

// Inbox returns the event channel drained by Run. Adapters send events here.
func (r *Router) Inbox() chan<- event.Event {
	return r.inbox
}

// Subscribe attaches a new handle to key. The first subscriber creates the
// subscription and sends factory's request upstream; later subscribers share it
// and, once it is resolved, immediately receive the current value.
func (r *Router) Subscribe(ctx context.Context, key domain.Key, factory RequestFactory) (*Handle, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := newHandle(key, r.cfg.MailboxCapacity)

	r.mu.Lock()
	if sub, ok := r.subs[key]; ok {
		sub.handles[h.id] = h
		if sub.state == Resolved {
			r.deliverLocked(sub, h)
		}
		waiters := len(sub.handles)
		r.mu.Unlock()
		r.logger.Debug("Subscription coalesced", slog.String("key", key.String()), slog.Int("waiters", waiters))
		return h, nil
	}

	var req any
	if factory != nil {
		var err error
		req, err = factory(key)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("build request for %s: %w", key, err)
		}
	}

	sub := r.newSubscriptionLocked(key, factory)
	sub.handles[h.id] = h
	r.subs[key] = sub
	r.recordGaugesLocked()
	r.mu.Unlock()

	if req != nil && r.sender != nil {
		if err := r.sender.Send(ctx, req); err != nil {
			err = fmt.Errorf("subscribe %s: %w", key, err)
			r.mu.Lock()
			if r.subs[key] == sub {
				r.failLocked(sub, err)
			}
			r.mu.Unlock()
			return nil, err
		}
	}

	if sub.resync != nil {
		r.mu.Lock()
		if r.subs[key] == sub && sub.book().State() != book.Live {
			r.requestSnapshotLocked(sub, false)
		}
		r.mu.Unlock()
	}

	r.logger.Info("Subscribed", slog.String("key", key.String()), slog.String("handle", h.id.String()))
	return h, nil
}

// Unsubscribe detaches h. Other handles on the same key are unaffected; when the
// last one leaves the key's book or cache is discarded.
func (r *Router) Unsubscribe(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	sub, ok := r.subs[h.key]
	if !ok || sub.handles[h.id] != h {
		r.mu.Unlock()
		h.close()
		return nil
	}

	delete(sub.handles, h.id)
	h.close()
	if len(sub.handles) > 0 {
		r.mu.Unlock()
		return nil
	}

	sub.release()
	delete(r.subs, h.key)
	r.recordGaugesLocked()
	r.mu.Unlock()

	r.logger.Info("Subscription released", slog.String("key", h.key.String()))

	if r.unsubscribe == nil || r.sender == nil {
		return nil
	}
	req, err := r.unsubscribe(h.key)
	if err != nil {
		return fmt.Errorf("build unsubscribe for %s: %w", h.key, err)
	}
	if err := r.sender.Send(ctx, req); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", h.key, err)
	}
	return nil
}

// Dispatch applies one normalized event and broadcasts the result. It never
// panics or returns an error for recoverable conditions; invalid events are
// logged and dropped.
func (r *Router) Dispatch(ev event.Event) {
	if ev == nil {
		r.rec.EventDropped(DropInvalid)
		return
	}
	start := r.now()

	if err := ev.Validate(); err != nil {
		r.logger.Warn("Dropping invalid event", slog.String("kind", string(ev.Kind())), slog.Any("error", err))
		r.rec.EventDropped(DropInvalid)
		if d, ok := ev.(*event.Delta); ok {
			event.ReleaseDelta(d)
		}
		return
	}

	r.route(ev)

	r.rec.EventProcessed(ev.Kind())
	r.rec.DispatchDuration(r.now().Sub(start))
}

func (r *Router) route(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case *event.Snapshot:
		r.onSnapshot(e)
	case *event.Delta:
		r.onDelta(e)
	case *event.Trade:
		r.onTrade(e)
	case *event.Candle:
		r.onCandle(e)
	case *event.Heartbeat:
	case *event.VenueError:
		r.onVenueError(e)
	case *event.Malformed:
		r.onMalformed(e)
	}
}

// ConnectionLost fails every subscription of the connection. Books are reset
// first: sequence continuity never carries over to a new connection.
func (r *Router) ConnectionLost(cause error) {
	err := domain.ErrConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrConnectionLost, cause)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.subs)
	for _, sub := range r.subs {
		if sub.resync != nil {
			sub.resync.Reset()
		}
		r.failLocked(sub, err)
	}
	if n > 0 {
		r.logger.Warn("Connection lost, subscriptions failed", slog.Int("count", n), slog.Any("error", cause))
	}
}

// Book returns a copy of the top depth levels of symbol's book.
func (r *Router) Book(symbol string, depth int) (*book.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[domain.Key{Channel: domain.ChannelOrderBook, Symbol: symbol}]
	if !ok || sub.resync == nil {
		return nil, false
	}
	return sub.book().View(depth), true
}

// SubscriptionInfo describes one live subscription.
type SubscriptionInfo struct {
	Key       domain.Key   `json:"key"`
	State     string       `json:"state"`
	Waiters   int          `json:"waiters"`
	BookState string       `json:"book_state,omitempty"`
	Resync    *ResyncStats `json:"resync,omitempty"`
}

// Subscriptions lists the live subscriptions ordered by key.
func (r *Router) Subscriptions() []SubscriptionInfo {
	r.mu.Lock()
	out := make([]SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		info := SubscriptionInfo{
			Key:     sub.key,
			State:   sub.state.String(),
			Waiters: len(sub.handles),
		}
		if sub.resync != nil {
			stats := sub.resync.Stats()
			info.BookState = sub.book().State().String()
			info.Resync = &stats
		}
		out = append(out, info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Close stops in-flight snapshot fetches and waits for them to exit.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Router) newSubscriptionLocked(key domain.Key, factory RequestFactory) *subscription {
	sub := &subscription{
		key:     key,
		state:   Pending,
		factory: factory,
		handles: make(map[uuid.UUID]*Handle),
	}
	switch {
	case key.Channel == domain.ChannelOrderBook:
		b := book.New(key.Symbol, r.policy)
		b.MarkSyncing()
		sub.resync = NewResync(b, r.cfg.MaxBuffered, r.rec)
	case key.Channel == domain.ChannelTrades:
		sub.trades = cache.New[domain.Trade](r.cfg.TradesCapacity)
	case key.Channel.IsCandles():
		sub.candles = cache.New[domain.Candle](r.cfg.CandlesCapacity)
	}
	return sub
}

func (r *Router) onSnapshot(e *event.Snapshot) {
	sub, ok := r.subs[e.Key()]
	if !ok || sub.resync == nil {
		r.rec.EventDropped(DropUnsubscribed)
		return
	}
	r.installSnapshotLocked(sub, e)
}

func (r *Router) installSnapshotLocked(sub *subscription, e *event.Snapshot) {
	sub.stopFetch()
	if sub.resync.Snapshot(e) == NeedSnapshot {
		r.logger.Warn("Gap while replaying buffered deltas", slog.String("symbol", sub.key.Symbol))
		r.requestSnapshotLocked(sub, true)
		return
	}
	r.broadcastLocked(sub)
}

func (r *Router) onDelta(e *event.Delta) {
	sub, ok := r.subs[e.Key()]
	if !ok || sub.resync == nil {
		r.rec.EventDropped(DropUnsubscribed)
		event.ReleaseDelta(e)
		return
	}

	switch sub.resync.Delta(e) {
	case Applied:
		r.broadcastLocked(sub)
	case Dropped:
		r.rec.EventDropped(DropStale)
	case NeedSnapshot:
		r.logger.Info("Order book out of sync, resyncing", slog.String("symbol", sub.key.Symbol))
		r.requestSnapshotLocked(sub, true)
	}
}

func (r *Router) onTrade(e *event.Trade) {
	sub, ok := r.subs[e.Key()]
	if !ok || sub.trades == nil {
		r.rec.EventDropped(DropUnsubscribed)
		return
	}
	sub.trades.AppendAll(e.Trades)
	r.broadcastLocked(sub)
}

func (r *Router) onCandle(e *event.Candle) {
	sub, ok := r.subs[e.Key()]
	if !ok || sub.candles == nil {
		r.rec.EventDropped(DropUnsubscribed)
		return
	}

	changed := false
	for _, c := range e.Candles {
		if last, ok := sub.candles.Last(); ok && c.Timestamp.Before(last.Timestamp) {
			r.rec.EventDropped(DropStale)
			continue
		}
		// The forming bar is re-sent with the same open time until it closes.
		sub.candles.Upsert(c, func(newest, item domain.Candle) bool {
			return newest.Timestamp.Equal(item.Timestamp)
		})
		changed = true
	}
	if changed {
		r.broadcastLocked(sub)
	}
}

func (r *Router) onVenueError(e *event.VenueError) {
	err := e.Err()
	matched := 0
	for _, sub := range r.subs {
		if e.Matches(sub.key) {
			r.failLocked(sub, err)
			matched++
		}
	}
	r.logger.Warn("Venue error",
		slog.String("code", e.Code),
		slog.String("message", e.Message),
		slog.Int("failed", matched),
	)
}

func (r *Router) onMalformed(e *event.Malformed) {
	r.logger.Warn("Dropping malformed frame",
		slog.String("channel", string(e.Channel)),
		slog.String("symbol", e.Symbol),
		slog.Any("error", e.Err),
	)
	r.rec.EventDropped(DropMalformed)

	if e.Symbol == "" || (e.Channel != "" && e.Channel != domain.ChannelOrderBook) {
		return
	}
	sub, ok := r.subs[domain.Key{Channel: domain.ChannelOrderBook, Symbol: e.Symbol}]
	if !ok || sub.book().State() != book.Live {
		return
	}
	// A lost depth frame means the book can no longer be trusted.
	sub.resync.Invalidate()
	r.requestSnapshotLocked(sub, true)
}

// requestSnapshotLocked arranges for a snapshot of sub's book. With a fetcher it
// pulls one; otherwise it waits for the venue to push one, re-sending the
// subscribe request when resend is set, and fails the subscription at the deadline.
func (r *Router) requestSnapshotLocked(sub *subscription, resend bool) {
	sub.stopFetch()

	if r.fetcher != nil {
		ctx, cancel := context.WithCancel(r.ctx)
		sub.cancelFetch = cancel
		r.wg.Add(1)
		go r.fetchSnapshot(ctx, sub, sub.generation)
		return
	}

	if r.cfg.SnapshotTimeout > 0 {
		sub.deadline = r.now().Add(r.cfg.SnapshotTimeout)
	}
	if resend && sub.factory != nil && r.sender != nil {
		req, err := sub.factory(sub.key)
		if err != nil {
			r.failLocked(sub, fmt.Errorf("build request for %s: %w", sub.key, err))
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.sender.Send(r.ctx, req); err != nil {
				r.logger.Warn("Resubscribe failed", slog.String("key", sub.key.String()), slog.Any("error", err))
			}
		}()
	}
}

// fetchSnapshot retries with exponential backoff, bounding each attempt by the
// snapshot timeout. The outcome is applied under the router lock unless a newer
// request has superseded this one.
func (r *Router) fetchSnapshot(ctx context.Context, sub *subscription, gen uint64) {
	defer r.wg.Done()

	b := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 0; attempt <= r.cfg.SnapshotRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.cfg.SnapshotTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.SnapshotTimeout)
		}
		snap, err := r.fetcher.FetchSnapshot(attemptCtx, sub.key)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = snap.Validate()
		}
		if err == nil {
			r.completeFetch(sub, gen, snap, nil)
			return
		}
		lastErr = err
		r.logger.Warn("Snapshot fetch failed",
			slog.String("symbol", sub.key.Symbol),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}

	r.completeFetch(sub, gen, nil, fmt.Errorf("%w: %s after %d attempts: %w",
		domain.ErrSnapshotTimeout, sub.key, r.cfg.SnapshotRetries+1, lastErr))
}

func (r *Router) completeFetch(sub *subscription, gen uint64, snap *event.Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[sub.key] != sub || sub.generation != gen {
		return
	}
	if err != nil {
		r.failLocked(sub, err)
		return
	}
	r.installSnapshotLocked(sub, snap)
}

// sweep fails book subscriptions whose pushed snapshot is overdue.
func (r *Router) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if sub.deadline.IsZero() || now.Before(sub.deadline) {
			continue
		}
		if sub.resync != nil && sub.book().State() == book.Live {
			sub.deadline = time.Time{}
			continue
		}
		r.failLocked(sub, fmt.Errorf("%w: %s", domain.ErrSnapshotTimeout, sub.key))
	}
}

// failLocked terminates sub: every handle receives err and the key is freed so
// the next Subscribe starts over.
func (r *Router) failLocked(sub *subscription, err error) {
	sub.state = Failed
	sub.release()
	for _, h := range sub.handles {
		h.fail(err)
	}
	delete(r.subs, sub.key)
	r.recordGaugesLocked()

	r.logger.Warn("Subscription failed",
		slog.String("key", sub.key.String()),
		slog.Int("waiters", len(sub.handles)),
		slog.Any("error", err),
	)
}

// broadcastLocked resolves sub and hands the current value to every handle.
func (r *Router) broadcastLocked(sub *subscription) {
	sub.state = Resolved

	var view *book.View
	if sub.resync != nil {
		view = sub.book().View(r.cfg.BookDepth)
	}
	var candles []domain.Candle
	if sub.candles != nil {
		candles = sub.candles.Items()
	}

	for _, h := range sub.handles {
		u := Update{Key: sub.key, Book: view, Candles: candles}
		if sub.trades != nil {
			items, cur := sub.trades.ReadSince(h.cursor)
			h.cursor = cur
			if len(items) == 0 {
				continue
			}
			u.Trades = items
		}
		r.pushLocked(h, u)
	}
}

// deliverLocked sends a late joiner the current value of a resolved subscription.
func (r *Router) deliverLocked(sub *subscription, h *Handle) {
	u := Update{Key: sub.key}
	switch {
	case sub.resync != nil:
		if sub.book().State() != book.Live {
			return
		}
		u.Book = sub.book().View(r.cfg.BookDepth)
	case sub.trades != nil:
		u.Trades, h.cursor = sub.trades.ReadSince(h.cursor)
	case sub.candles != nil:
		u.Candles = sub.candles.Items()
	}
	r.pushLocked(h, u)
}

func (r *Router) pushLocked(h *Handle, u Update) {
	if h.push(u) {
		r.rec.MailboxOverflow(h.key.String())
	}
}

func (r *Router) recordGaugesLocked() {
	books := 0
	for _, sub := range r.subs {
		if sub.resync != nil {
			books++
		}
	}
	r.rec.SubscriptionsActive(len(r.subs))
	r.rec.BooksActive(books)
}

// ErrInvalidChannel rejects subscription keys the router cannot serve.
var ErrInvalidChannel = errors.New("invalid channel")

func validateKey(key domain.Key) error {
	if key.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", domain.ErrInvalidSymbol)
	}
	switch {
	case key.Channel == domain.ChannelOrderBook, key.Channel == domain.ChannelTrades:
		return nil
	case key.Channel == domain.ChannelCandles, key.Channel == domain.CandleChannel(""):
		return fmt.Errorf("%w: candles need an interval", ErrInvalidChannel)
	case key.Channel.IsCandles():
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidChannel, key.Channel)
}
