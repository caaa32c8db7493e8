package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"market_sync/internal/api"
	"market_sync/internal/book"
	"market_sync/internal/domain"
	"market_sync/internal/engine"
	"market_sync/internal/event"
	"market_sync/internal/infra"
	"market_sync/internal/infra/binance"
	"market_sync/internal/infra/feed"
	"market_sync/internal/infra/sink"
	"market_sync/internal/infra/storage"

	"github.com/cenkalti/backoff/v5"
)

const shutdownTimeout = 5 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage
	Metrics  *infra.Metrics
	Requests *binance.Requests
	Router   *engine.Router
	Worker   *feed.Worker

	configPath string
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{configPath: configPath}
}

// Initialize loads configuration and builds every component without starting I/O loops.
func (b *Bootstrap) Initialize() error {
	slog.Info("Bootstrapping market-sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.configPath)
	if errors.Is(err, domain.ErrConfigNotFound) {
		slog.Warn("Config file not found, using defaults and environment", slog.String("path", b.configPath))
		cfg, err = infra.LoadEnvConfig()
	}
	if err != nil {
		return err
	}
	if cfg.Venue.Name != binance.Venue {
		return &domain.ConfigError{Field: "venue.name", Err: fmt.Errorf("unsupported venue %q", cfg.Venue.Name)}
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Instrument catalog
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	if err := b.SyncInstruments(); err != nil {
		return err
	}
	slog.Info("Instrument catalog ready", slog.Int("symbols", len(cfg.Venue.Symbols)))

	// 4. Metrics and venue adapters
	event.Warmup()
	b.Metrics = infra.NewMetrics()
	b.Requests = binance.NewRequests(store)
	decoder := binance.NewDecoder(store, b.Requests)
	snapshots := binance.NewSnapshotClient(cfg.Venue.RestURL, cfg.Venue.Depth, store, infra.DefaultUserAgent)

	// 5. Router and its connection
	policy, ok := book.PolicyByName(cfg.Venue.Policy)
	if !ok {
		return &domain.ConfigError{Field: "venue.policy", Err: fmt.Errorf("unknown policy %q", cfg.Venue.Policy)}
	}

	sender := &lazySender{}
	b.Router = engine.NewRouter(sender, cfg.EngineConfig(),
		engine.WithPolicy(policy),
		engine.WithFetcher(snapshots),
		engine.WithUnsubscribeFactory(b.Requests.Unsubscribe),
		engine.WithRecorder(b.Metrics),
		engine.WithLogger(b.Logger),
	)

	b.Worker = feed.NewWorker(feed.Config{
		URL:              cfg.Venue.WSURL,
		HandshakeTimeout: cfg.Venue.HandshakeTimeout,
		PingInterval:     cfg.Venue.PingInterval,
		ReadTimeout:      cfg.Venue.ReadTimeout,
		UserAgent:        infra.DefaultUserAgent,
	}, decoder, b.Router.Inbox(), b.connectionLost, b.Metrics, b.Logger)
	sender.w = b.Worker

	return nil
}

// SyncInstruments registers every configured symbol in the catalog and
// deactivates the ones no longer configured.
func (b *Bootstrap) SyncInstruments() error {
	venue := b.Config.Venue.Name
	configured := make(map[string]bool, len(b.Config.Venue.Symbols))

	for _, symbol := range b.Config.Venue.Symbols {
		base, quote, err := domain.ParseSymbol(symbol)
		if err != nil {
			return &domain.ConfigError{Field: "venue.symbols", Err: err}
		}
		inst, err := domain.NewInstrument(venue, base, quote, strings.ToUpper(base+quote))
		if err != nil {
			return &domain.ConfigError{Field: "venue.symbols", Err: err}
		}
		if err := b.Storage.UpsertInstrument(inst); err != nil {
			return fmt.Errorf("register %s: %w", symbol, err)
		}
		configured[inst.Symbol] = true
	}

	active, err := b.Storage.ListActive(venue)
	if err != nil {
		return fmt.Errorf("list instruments: %w", err)
	}
	for _, row := range active {
		if configured[row.Symbol] {
			continue
		}
		if err := b.Storage.Deactivate(venue, row.Symbol); err != nil {
			return err
		}
		slog.Info("Instrument deactivated", slog.String("symbol", row.Symbol))
	}
	return nil
}

// connectionLost fails the router's subscriptions and forgets request ids
// whose replies went down with the connection.
func (b *Bootstrap) connectionLost(err error) {
	b.Router.ConnectionLost(err)
	b.Requests.Reset()
}

// Keys lists the subscriptions the process holds for its own lifetime.
func (b *Bootstrap) Keys() []domain.Key {
	var keys []domain.Key
	for _, symbol := range b.Config.Venue.Symbols {
		keys = append(keys,
			domain.Key{Channel: domain.ChannelOrderBook, Symbol: symbol},
			domain.Key{Channel: domain.ChannelTrades, Symbol: symbol},
		)
		for _, interval := range b.Config.Venue.CandleIntervals {
			keys = append(keys, domain.Key{Channel: domain.CandleChannel(interval), Symbol: symbol})
		}
	}
	return keys
}

// Run starts the router, the feed connection and the optional sinks, then
// blocks until ctx is cancelled and shuts everything down.
func (b *Bootstrap) Run(ctx context.Context) error {
	defer b.Storage.Close()

	var wg sync.WaitGroup
	routerDone := make(chan struct{})
	go func() {
		b.Router.Run(ctx)
		close(routerDone)
	}()

	if err := b.Worker.Connect(ctx); err != nil {
		return err
	}
	defer b.Worker.Disconnect()

	for _, key := range b.Keys() {
		wg.Add(1)
		go func(key domain.Key) {
			defer wg.Done()
			b.hold(ctx, key)
		}(key)
	}

	if b.Config.Redis.Enabled {
		redisStore, err := sink.NewRedisStore(b.Config.Redis.URL, b.Config.Redis.Password)
		if err != nil {
			slog.Error("Redis sink disabled", slog.Any("error", err))
		} else {
			defer redisStore.Close()
			bookSink := sink.NewBookSink(b.Router, b.Requests.Subscribe, redisStore, b.Config.Redis.TTL, b.Config.Redis.Depth, b.Logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				bookSink.Run(ctx, b.Config.Venue.Symbols)
			}()
			slog.Info("Redis sink started", slog.String("url", b.Config.Redis.URL))
		}
	}

	var server *api.Server
	if b.Config.HTTP.Enabled {
		server = api.NewServer(b.Config.HTTP.Addr, b.Router, b.Worker, b.Metrics.Handler(), b.Logger)
		server.Start()
	}

	slog.Info("market-sync operational", slog.Int("subscriptions", len(b.Keys())))
	<-ctx.Done()
	slog.Info("Shutting down gracefully...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown failed", slog.Any("error", err))
		}
	}
	wg.Wait()
	<-routerDone
	return nil
}

// hold keeps a subscription on key open, resubscribing whenever it fails.
func (b *Bootstrap) hold(ctx context.Context, key domain.Key) {
	bo := backoff.NewExponentialBackOff()
	for ctx.Err() == nil {
		h, err := b.Router.Subscribe(ctx, key, b.Requests.Subscribe)
		if err == nil {
			err = b.drain(ctx, h, bo)
			uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			b.Router.Unsubscribe(uctx, h)
			cancel()
		}
		if ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		slog.Warn("Subscription failed, retrying",
			slog.String("key", key.String()),
			slog.Any("error", err),
			slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (b *Bootstrap) drain(ctx context.Context, h *engine.Handle, bo *backoff.ExponentialBackOff) error {
	for {
		u, err := h.Next(ctx)
		if err != nil {
			return err
		}
		bo.Reset()
		switch {
		case u.Book != nil:
			if bid, ok := u.Book.BestBid(); ok {
				slog.Debug("Book update",
					slog.String("symbol", u.Key.Symbol),
					slog.Int64("sequence", int64(u.Book.Sequence)),
					slog.String("best_bid", bid.Price.String()))
			}
		case len(u.Trades) > 0:
			slog.Debug("Trades", slog.String("symbol", u.Key.Symbol), slog.Int("count", len(u.Trades)))
		case len(u.Candles) > 0:
			slog.Debug("Candles", slog.String("key", u.Key.String()), slog.Int("count", len(u.Candles)))
		}
	}
}

// lazySender breaks the construction cycle between the router, which needs a
// Sender, and the worker, which needs the router's inbox.
type lazySender struct {
	w *feed.Worker
}

func (s *lazySender) Send(ctx context.Context, request any) error {
	return s.w.Send(ctx, request)
}
