package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var btcBook = domain.Key{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"}

type fakeSender struct {
	mu   sync.Mutex
	reqs []any
	err  error
}

func (s *fakeSender) Send(_ context.Context, req any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, key domain.Key) (*event.Snapshot, error)
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, key domain.Key) (*event.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, key)
}

type fakeRecorder struct {
	nopRecorder
	mu        sync.Mutex
	resyncs   int
	replayed  int
	discarded int
	dropped   map[string]int
	overflows int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{dropped: make(map[string]int)}
}

func (f *fakeRecorder) Resync(string) {
	f.mu.Lock()
	f.resyncs++
	f.mu.Unlock()
}

func (f *fakeRecorder) DeltasReplayed(n int) {
	f.mu.Lock()
	f.replayed += n
	f.mu.Unlock()
}

func (f *fakeRecorder) DeltasDiscarded(n int) {
	f.mu.Lock()
	f.discarded += n
	f.mu.Unlock()
}

func (f *fakeRecorder) EventDropped(reason string) {
	f.mu.Lock()
	f.dropped[reason]++
	f.mu.Unlock()
}

func (f *fakeRecorder) MailboxOverflow(string) {
	f.mu.Lock()
	f.overflows++
	f.mu.Unlock()
}

func subscribeRequest(key domain.Key) (any, error) {
	return "subscribe " + key.String(), nil
}

func lvl(price, size string) domain.Level {
	return domain.Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func upsert(side domain.Side, price, size string) domain.DeltaOp {
	return domain.DeltaOp{
		Kind:  domain.OpUpsert,
		Side:  side,
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

func snapshot(seq domain.Sequence, bids, asks []domain.Level) *event.Snapshot {
	return &event.Snapshot{Symbol: btcBook.Symbol, Bids: bids, Asks: asks, Sequence: seq, Timestamp: time.Unix(int64(seq), 0)}
}

func delta(seq domain.Sequence, ops ...domain.DeltaOp) *event.Delta {
	return &event.Delta{
		Symbol:        btcBook.Symbol,
		Ops:           ops,
		FirstSequence: domain.NoSequence,
		Sequence:      seq,
		Timestamp:     time.Unix(int64(seq), 0),
	}
}

func pairs(levels []domain.Level) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, [2]string{l.Price.String(), l.Size.String()})
	}
	return out
}

func next(t *testing.T, h *Handle) Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := h.Next(ctx)
	require.NoError(t, err)
	return u
}

func nextErr(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.Next(ctx)
	require.Error(t, err)
	return err
}

// requireEmpty asserts nothing is queued on h.
func requireEmpty(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
