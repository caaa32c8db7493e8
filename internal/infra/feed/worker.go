// Package feed maintains the websocket connection to a venue and pumps decoded
// events into a router inbox.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultReadTimeout      = 60 * time.Second
	writeTimeout            = 10 * time.Second
	maxMessageSize          = 1 << 22
)

// Decoder turns one frame into normalized events.
type Decoder interface {
	Decode(raw []byte) ([]event.Event, error)
}

// Stats receives connection telemetry. infra.Metrics implements it.
type Stats interface {
	IncrementConnections()
	DecrementConnections()
	RecordReconnect()
	RecordError(component string)
}

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	UserAgent        string
}

// Worker owns one websocket connection. It reconnects with exponential backoff
// and reports every drop through onLost, since sequence state never survives a
// new connection. It implements engine.Sender and domain.ExchangeWorker.
type Worker struct {
	cfg     Config
	decoder Decoder
	inbox   chan<- event.Event
	onLost  func(error)
	stats   Stats
	logger  *slog.Logger

	conn      *websocket.Conn
	ready     chan struct{} // closed while conn is usable
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ domain.ExchangeWorker = (*Worker)(nil)

// NewWorker creates a worker. onLost is typically Router.ConnectionLost.
func NewWorker(cfg Config, decoder Decoder, inbox chan<- event.Event, onLost func(error), stats Stats, logger *slog.Logger) *Worker {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		decoder: decoder,
		inbox:   inbox,
		onLost:  onLost,
		stats:   stats,
		logger:  logger.With(slog.String("component", "feed")),
		ready:   make(chan struct{}),
	}
}

// Connect starts the connection loop in the background.
func (w *Worker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// IsConnected reports whether a connection is currently open.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Send writes request as a JSON text frame, waiting for a connection if none is open.
func (w *Worker) Send(ctx context.Context, request any) error {
	b, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	for {
		w.mu.RLock()
		connected, ready := w.connected, w.ready
		w.mu.RUnlock()

		if connected {
			if err := w.threadSafeWrite(websocket.TextMessage, b); err != nil {
				return domain.NewNetworkError("write", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return domain.NewNetworkError("write", fmt.Errorf("%w: %w", domain.ErrConnectionFailed, ctx.Err()))
		case <-ready:
		}
	}
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()

	b := backoff.NewExponentialBackOff()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := b.NextBackOff()
			w.logger.Warn("Feed connection failed", slog.Any("error", err), slog.Duration("retry_in", delay))
			w.recordError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				w.recordReconnect()
				continue
			}
		}

		b.Reset()
		err := w.readLoop(ctx)
		w.closeConnection()
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("Feed connection lost", slog.Any("error", err))
		if w.onLost != nil {
			w.onLost(err)
		}
		w.recordReconnect()
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: w.cfg.HandshakeTimeout,
	}
	header := make(http.Header)
	if w.cfg.UserAgent != "" {
		header.Set("User-Agent", w.cfg.UserAgent)
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return domain.NewNetworkError("dial", fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err))
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	close(w.ready)
	w.mu.Unlock()

	if w.stats != nil {
		w.stats.IncrementConnections()
	}
	w.logger.Info("Feed connected", slog.String("url", w.cfg.URL))
	return nil
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return domain.ErrConnectionFailed
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) readLoop(ctx context.Context) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go w.pingLoop(pingCtx)

	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return domain.ErrConnectionLost
		}

		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !w.handleMessage(ctx, msg) {
			return ctx.Err()
		}
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.mu.RLock()
			var err error
			if w.conn != nil {
				err = w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			w.mu.RUnlock()
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Debug("Ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// handleMessage decodes msg and blocks until every event is accepted by the
// inbox. Dropping a frame would only turn into a gap and a resync. It returns
// false when ctx ends first.
func (w *Worker) handleMessage(ctx context.Context, msg []byte) bool {
	evs, err := w.decoder.Decode(msg)
	if err != nil {
		w.logger.Warn("Undecodable frame", slog.Any("error", err), slog.Int("bytes", len(msg)))
		w.recordError()
		evs = []event.Event{&event.Malformed{Err: err}}
	}

	for _, ev := range evs {
		select {
		case w.inbox <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		if w.stats != nil {
			w.stats.DecrementConnections()
		}
	}
	if w.connected {
		w.ready = make(chan struct{})
	}
	w.connected = false
}

// Disconnect stops the connection loop and waits for it to exit.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

func (w *Worker) recordError() {
	if w.stats != nil {
		w.stats.RecordError("feed")
	}
}

func (w *Worker) recordReconnect() {
	if w.stats != nil {
		w.stats.RecordReconnect()
	}
}
