package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"market_sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL+"/", 100, newCatalog(t), "test-agent")
	snap, err := c.FetchSnapshot(context.Background(), domain.Key{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"})
	require.NoError(t, err)

	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, domain.Sequence(1027024), snap.Sequence)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "431", snap.Bids[0].Size.String())
	assert.NoError(t, snap.Validate())
}

func TestSnapshotClient_Errors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL, 0, newCatalog(t), "")
	key := domain.Key{Channel: domain.ChannelOrderBook, Symbol: "BTC/USDT"}

	_, err := c.FetchSnapshot(context.Background(), key)
	var ve *domain.VenueError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "-1121", ve.Code)
	assert.False(t, domain.IsRetriable(err))

	status.Store(http.StatusTooManyRequests)
	_, err = c.FetchSnapshot(context.Background(), key)
	assert.True(t, domain.IsRetriable(err))

	_, err = c.FetchSnapshot(context.Background(), domain.Key{Channel: domain.ChannelOrderBook, Symbol: "X/Y"})
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
}
