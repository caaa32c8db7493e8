// Package api exposes read-only router state over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"market_sync/internal/book"
	"market_sync/internal/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
)

const maxDepth = 5000

// State is the router surface the API reads.
type State interface {
	Book(symbol string, depth int) (*book.View, bool)
	Subscriptions() []engine.SubscriptionInfo
}

// Connection reports feed liveness.
type Connection interface {
	IsConnected() bool
}

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the status server. metrics may be nil.
func NewServer(addr string, state State, conn Connection, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewHandler(state, conn, metrics, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// NewHandler wires the routes:
//
//	GET /healthz
//	GET /books/{base}/{quote}?depth=N
//	GET /subscriptions
//	GET /metrics
func NewHandler(state State, conn Connection, metrics http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", healthHandler(conn))
	r.Get("/books/{base}/{quote}", bookHandler(state))
	r.Get("/subscriptions", subscriptionsHandler(state))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func healthHandler(conn Connection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := conn != nil && conn.IsConnected()
		status := http.StatusOK
		if !connected {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"connected": connected})
	}
}

func bookHandler(state State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote"))

		depth := 0
		if raw := r.URL.Query().Get("depth"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 || n > maxDepth {
				writeError(w, http.StatusBadRequest, "depth must be between 0 and "+strconv.Itoa(maxDepth))
				return
			}
			depth = n
		}

		view, ok := state.Book(symbol, depth)
		if !ok {
			writeError(w, http.StatusNotFound, "no order book subscription for "+symbol)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func subscriptionsHandler(state State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.Subscriptions())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}
