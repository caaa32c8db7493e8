package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"market_sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_RunDrainsInbox(t *testing.T) {
	r := NewRouter(&fakeSender{}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)

	h, err := r.Subscribe(context.Background(), btcBook, subscribeRequest)
	require.NoError(t, err)

	r.Inbox() <- delta(11, upsert(domain.SideBid, "100", "0"))
	r.Inbox() <- snapshot(10, []domain.Level{lvl("100", "5")}, []domain.Level{lvl("101", "3")})

	u := next(t, h)
	assert.Equal(t, domain.Sequence(11), u.Book.Sequence)
	assert.Empty(t, u.Book.Bids)

	require.Eventually(t, func() bool {
		view, ok := r.Book(btcBook.Symbol, 1)
		return ok && view.State == "LIVE"
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_RunSweepsDeadlines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotTimeout = 10 * time.Millisecond
	r := NewRouter(&fakeSender{}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.Run(ctx)

	h, err := r.Subscribe(context.Background(), btcBook, subscribeRequest)
	require.NoError(t, err)

	assert.ErrorIs(t, nextErr(t, h), domain.ErrSnapshotTimeout)
}

func TestRouter_DumpState(t *testing.T) {
	r := newTestRouter(t, &fakeSender{})
	h, _ := r.Subscribe(context.Background(), btcBook, nil)
	r.Dispatch(snapshot(10, []domain.Level{lvl("100", "5")}, nil))
	next(t, h)

	file := filepath.Join(t.TempDir(), "dump.json")
	r.DumpState(file)

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"BTC/USDT"`)
	assert.Contains(t, string(b), `"RESOLVED"`)
}
