package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDecoder struct{}

func (stubDecoder) Decode(raw []byte) ([]event.Event, error) {
	if string(raw) == "garbage" {
		return nil, &domain.DecodeError{Field: "frame", Err: domain.ErrMalformedEvent}
	}
	return []event.Event{&event.Heartbeat{Timestamp: time.UnixMilli(1)}}, nil
}

type countingStats struct {
	connections atomic.Int64
	reconnects  atomic.Int64
	errors      atomic.Int64
}

func (s *countingStats) IncrementConnections() { s.connections.Add(1) }
func (s *countingStats) DecrementConnections() { s.connections.Add(-1) }
func (s *countingStats) RecordReconnect()      { s.reconnects.Add(1) }
func (s *countingStats) RecordError(string)    { s.errors.Add(1) }

// wsServer upgrades every request and hands the connection to handle.
func wsServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWorker_SendAndReceive(t *testing.T) {
	received := make(chan string, 1)
	_, url := wsServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.ReadMessage() // hold until the client leaves
	})

	inbox := make(chan event.Event, 4)
	stats := &countingStats{}
	w := NewWorker(Config{URL: url, UserAgent: "test"}, stubDecoder{}, inbox, nil, stats, nil)
	require.NoError(t, w.Connect(context.Background()))
	defer w.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Send(ctx, map[string]any{"method": "SUBSCRIBE", "id": 1}))

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"method":"SUBSCRIBE","id":1}`, msg)
	case <-ctx.Done():
		t.Fatal("server never received the request")
	}

	select {
	case ev := <-inbox:
		assert.Equal(t, event.KindHeartbeat, ev.Kind())
	case <-ctx.Done():
		t.Fatal("no event reached the inbox")
	}

	assert.True(t, w.IsConnected())
	assert.Equal(t, int64(1), stats.connections.Load())
}

func TestWorker_UndecodableFrameBecomesMalformed(t *testing.T) {
	_, url := wsServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		conn.ReadMessage()
	})

	inbox := make(chan event.Event, 4)
	stats := &countingStats{}
	w := NewWorker(Config{URL: url}, stubDecoder{}, inbox, nil, stats, nil)
	require.NoError(t, w.Connect(context.Background()))
	defer w.Disconnect()

	select {
	case ev := <-inbox:
		m, ok := ev.(*event.Malformed)
		require.True(t, ok, "got %T", ev)
		assert.ErrorIs(t, m.Err, domain.ErrMalformedEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("no event reached the inbox")
	}
	assert.Equal(t, int64(1), stats.errors.Load())
}

func TestWorker_ReportsLossAndReconnects(t *testing.T) {
	var accepted atomic.Int32
	_, url := wsServer(t, func(conn *websocket.Conn) {
		if accepted.Add(1) == 1 {
			return // drop the first connection immediately
		}
		conn.ReadMessage()
	})

	var (
		mu   sync.Mutex
		lost []error
	)
	onLost := func(err error) {
		mu.Lock()
		lost = append(lost, err)
		mu.Unlock()
	}

	stats := &countingStats{}
	w := NewWorker(Config{URL: url}, stubDecoder{}, make(chan event.Event, 1), onLost, stats, nil)
	require.NoError(t, w.Connect(context.Background()))
	defer w.Disconnect()

	require.Eventually(t, func() bool {
		return accepted.Load() >= 2 && w.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lost, 1)
	assert.Error(t, lost[0])
	assert.GreaterOrEqual(t, stats.reconnects.Load(), int64(1))
}

func TestWorker_SendWithoutConnectionHonoursContext(t *testing.T) {
	w := NewWorker(Config{URL: "ws://127.0.0.1:1"}, stubDecoder{}, make(chan event.Event), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Send(ctx, map[string]string{"method": "PING"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnectionFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWorker_DisconnectStopsLoop(t *testing.T) {
	_, url := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	w := NewWorker(Config{URL: url}, stubDecoder{}, make(chan event.Event, 1), nil, nil, nil)
	require.NoError(t, w.Connect(context.Background()))
	require.Eventually(t, w.IsConnected, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	assert.False(t, w.IsConnected())
}
