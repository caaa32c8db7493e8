package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"market_sync/internal/book"

	"github.com/goccy/go-json"
)

const minSweepInterval = 50 * time.Millisecond

// Run is the connection's event loop. Events are dispatched strictly one at a
// time in arrival order. Run MUST be called from a single goroutine.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("Router started")

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", rec))
			r.DumpState("router_panic_dump.json")
			panic(rec)
		}
	}()

	ticker := time.NewTicker(r.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Router stopping...")
			r.Close()
			return
		case ev := <-r.inbox:
			r.Dispatch(ev)
		case <-ticker.C:
			r.sweep(r.now())
		}
	}
}

func (r *Router) sweepInterval() time.Duration {
	d := r.cfg.SnapshotTimeout / 4
	if d < minSweepInterval {
		d = minSweepInterval
	}
	return d
}

// DumpState writes every subscription and book to filename for post-mortem.
func (r *Router) DumpState(filename string) {
	r.logger.Info("Dumping router state...", slog.String("file", filename))

	r.mu.Lock()
	books := make(map[string]*book.View)
	for key, sub := range r.subs {
		if sub.resync != nil {
			books[key.Symbol] = sub.book().View(0)
		}
	}
	r.mu.Unlock()

	data := struct {
		Subscriptions []SubscriptionInfo    `json:"subscriptions"`
		Books         map[string]*book.View `json:"books"`
	}{
		Subscriptions: r.Subscriptions(),
		Books:         books,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		r.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		r.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
