// Package sink mirrors router state into external stores.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_sync/internal/book"
	"market_sync/internal/domain"
	"market_sync/internal/engine"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const unsubscribeTimeout = 2 * time.Second

// Store writes one value with an expiry.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Subscriber is the part of engine.Router the sink consumes.
type Subscriber interface {
	Subscribe(ctx context.Context, key domain.Key, factory engine.RequestFactory) (*engine.Handle, error)
	Unsubscribe(ctx context.Context, h *engine.Handle) error
}

// RedisStore is a Store backed by a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to url and verifies the connection with PING.
func NewRedisStore(url, password string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// BookKey is the cache key of a symbol's book.
func BookKey(symbol string) string {
	return "book:" + symbol
}

// BookSink keeps book:{symbol} current for every configured symbol. A failed
// subscription (venue error, lost connection, snapshot timeout) is retried
// with backoff until ctx ends.
type BookSink struct {
	router  Subscriber
	factory engine.RequestFactory
	store   Store
	ttl     time.Duration
	depth   int
	logger  *slog.Logger

	newBackOff func() backoff.BackOff
}

func NewBookSink(router Subscriber, factory engine.RequestFactory, store Store, ttl time.Duration, depth int, logger *slog.Logger) *BookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookSink{
		router:  router,
		factory: factory,
		store:   store,
		ttl:     ttl,
		depth:   depth,
		logger:  logger.With(slog.String("component", "redis_sink")),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Run mirrors every symbol and blocks until ctx is done.
func (s *BookSink) Run(ctx context.Context, symbols []string) {
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			s.follow(ctx, symbol)
		}(symbol)
	}
	wg.Wait()
}

func (s *BookSink) follow(ctx context.Context, symbol string) {
	key := domain.Key{Channel: domain.ChannelOrderBook, Symbol: symbol}
	b := s.newBackOff()

	for ctx.Err() == nil {
		err := s.mirror(ctx, key, b)
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		s.logger.Warn("Book mirror interrupted",
			slog.String("symbol", symbol),
			slog.Any("error", err),
			slog.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// mirror holds one subscription until it fails.
func (s *BookSink) mirror(ctx context.Context, key domain.Key, b backoff.BackOff) error {
	h, err := s.router.Subscribe(ctx, key, s.factory)
	if err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
		defer cancel()
		s.router.Unsubscribe(uctx, h)
	}()

	for {
		u, err := h.Next(ctx)
		if err != nil {
			return err
		}
		if u.Book == nil {
			continue
		}
		if err := s.write(ctx, u.Book); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error("Failed to write book", slog.String("symbol", key.Symbol), slog.Any("error", err))
			continue
		}
		b.Reset()
	}
}

func (s *BookSink) write(ctx context.Context, v *book.View) error {
	if s.depth > 0 {
		trimmed := *v
		if len(trimmed.Bids) > s.depth {
			trimmed.Bids = trimmed.Bids[:s.depth]
		}
		if len(trimmed.Asks) > s.depth {
			trimmed.Asks = trimmed.Asks[:s.depth]
		}
		v = &trimmed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	return s.store.Set(ctx, BookKey(v.Symbol), data, s.ttl)
}
