package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"market_sync/internal/book"
	"market_sync/internal/domain"
	"market_sync/internal/engine"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubState struct {
	views     map[string]*book.View
	lastDepth int
	subs      []engine.SubscriptionInfo
}

func (s *stubState) Book(symbol string, depth int) (*book.View, bool) {
	s.lastDepth = depth
	v, ok := s.views[symbol]
	return v, ok
}

func (s *stubState) Subscriptions() []engine.SubscriptionInfo { return s.subs }

type stubConn bool

func (c stubConn) IsConnected() bool { return bool(c) }

func newTestHandler(state *stubState, conn Connection) http.Handler {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("market_sync_active_books 1\n"))
	})
	return NewHandler(state, conn, metrics, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	state := &stubState{}

	rec := get(t, newTestHandler(state, stubConn(true)), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":true}`, rec.Body.String())

	rec = get(t, newTestHandler(state, stubConn(false)), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBookEndpoint(t *testing.T) {
	state := &stubState{views: map[string]*book.View{
		"BTC/USDT": {Symbol: "BTC/USDT", State: "LIVE", Sequence: 42},
	}}
	h := newTestHandler(state, stubConn(true))

	rec := get(t, h, "/books/btc/usdt?depth=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, state.lastDepth)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var v book.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "BTC/USDT", v.Symbol)
	assert.Equal(t, domain.Sequence(42), v.Sequence)

	rec = get(t, h, "/books/ETH/USDT")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, bad := range []string{"-1", "abc", "999999"} {
		rec = get(t, h, "/books/BTC/USDT?depth="+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "depth=%s", bad)
	}
}

func TestSubscriptionsEndpoint(t *testing.T) {
	state := &stubState{subs: []engine.SubscriptionInfo{
		{Key: domain.Key{Channel: domain.ChannelTrades, Symbol: "BTC/USDT"}, State: "RESOLVED", Waiters: 2},
	}}

	rec := get(t, newTestHandler(state, stubConn(true)), "/subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`[{"key":{"channel":"trades","symbol":"BTC/USDT"},"state":"RESOLVED","waiters":2}]`,
		rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestHandler(&stubState{}, stubConn(true)), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "market_sync_active_books")
}
