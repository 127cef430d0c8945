// Package observe serves the tunnel state to local observers over HTTP.
// It exposes the latest snapshot as JSON, a websocket stream of every
// published snapshot, Prometheus metrics and health checks. It never
// dispatches commands.
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-i2p/wgtunnel/lib/actor"
	apperrors "github.com/go-i2p/wgtunnel/lib/errors"
	"github.com/go-i2p/wgtunnel/lib/metrics"
	"github.com/go-i2p/wgtunnel/lib/resilience"
	"github.com/gorilla/websocket"
)

// StateSource is the read side of the tunnel actor. *actor.Actor satisfies it.
type StateSource interface {
	Snapshot() actor.Snapshot
	Subscribe(buffer int) *actor.Subscription
}

// Server is the observer HTTP server.
type Server struct {
	httpServer *http.Server
	source     StateSource
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	buffer     int
	started    time.Time

	mu      sync.RWMutex
	running bool
	stopped bool
	addr    net.Addr
	streams sync.WaitGroup
	done    chan struct{}
}

// Config holds observer server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8080")
	ListenAddr string
	// Logger is the structured logger
	Logger *slog.Logger
	// RateLimit bounds requests per client IP
	RateLimit RateLimitConfig
	// StreamBuffer is the snapshot buffer of each stream subscription
	StreamBuffer int
	// Breaker, if set, is reported by the health endpoint
	Breaker *resilience.CircuitBreaker
}

// New creates an observer server for source. Call Start to listen.
func New(source StateSource, cfg Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = actor.DefaultSubscriptionBuffer
	}

	s := &Server{
		source:  source,
		breaker: cfg.Breaker,
		logger:  cfg.Logger,
		limiter: NewRateLimiter(cfg.RateLimit),
		buffer:  cfg.StreamBuffer,
		started: time.Now(),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.limiter.SetOnReject(func(ip, path string) {
		s.logger.Warn("rate limited", "ip", ip, "path", path)
	})

	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/state/stream", s.handleStream)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	// Health check endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	// Metrics endpoint (Prometheus format)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withMiddleware(s.limiter.Middleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts listening in the background. A stopped server cannot be
// started again.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("observer server: %w", apperrors.ErrAlreadyOpen)
	}
	if s.stopped {
		return fmt.Errorf("observer server: %w", apperrors.ErrClosed)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.running = true
	s.addr = ln.Addr()

	s.logger.Info("observer server started", "addr", s.addr.String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.httpServer.Addr
}

// Stop shuts the server down, closing open streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	defer s.limiter.Close()

	// Hijacked websocket connections are not tracked by Shutdown.
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	waited := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("waiting for streams: %w", ctx.Err())
	}

	s.logger.Info("observer server stopped")
	return nil
}

// withMiddleware wraps the handler with common middleware.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")

		next.ServeHTTP(w, r)

		s.logger.Debug("response",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeError writes err as a structured JSON error body.
func writeError(w http.ResponseWriter, err error) {
	e := apperrors.FromSentinel(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}
