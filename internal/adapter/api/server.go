// Package api exposes the link to operators over HTTP: a small JSON API for
// status, overrides, freeze and publishing, Prometheus metrics, and a
// WebSocket relay that mirrors dispatched envelopes to browser dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"m2dash/internal/domain"
	"m2dash/internal/infra/middleware"
	"m2dash/internal/usecase/link"
)

// Core is the part of the link the API drives.
type Core interface {
	ConnectionStatus() domain.StatusSnapshot
	TransportConnected() bool
	Frozen() bool
	Pending() int
	EngageFreeze()
	ReleaseFreeze(ctx context.Context) int
	ForceOnline()
	ForceOffline()
	ClearOverride()
	Publish(ctx context.Context, event string, data any) error
	SubscribeAll(handler domain.Handler) domain.Subscription
	Metrics() link.Metrics
}

// Options configures the server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RequestsPerMin int
	BurstSize      int
	TrustedProxies []string
}

// Server is the operator HTTP server.
type Server struct {
	core   Core
	opts   Options
	logger *slog.Logger
	relay  *Relay
	start  time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a server for core. Nothing listens until Start.
func NewServer(core Core, opts Options, logger *slog.Logger) *Server {
	return &Server{
		core:   core,
		opts:   opts,
		logger: logger,
		relay:  NewRelay(core, opts.AllowedOrigins, logger),
		start:  time.Now(),
	}
}

// Handler returns the routed handler wrapped in the security middleware.
// ctx bounds the rate limiter's sweeper.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.relay.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/override/online", s.handleForceOnline)
	mux.HandleFunc("POST /api/v1/override/offline", s.handleForceOffline)
	mux.HandleFunc("DELETE /api/v1/override", s.handleClearOverride)
	mux.HandleFunc("POST /api/v1/freeze", s.handleEngageFreeze)
	mux.HandleFunc("DELETE /api/v1/freeze", s.handleReleaseFreeze)
	mux.HandleFunc("POST /api/v1/publish", s.handlePublish)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/ws", s.relay)

	limit := middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.opts.RequestsPerMin,
		BurstSize:      s.opts.BurstSize,
		TrustedProxies: s.opts.TrustedProxies,
	})
	cors := middleware.CORS(s.opts.AllowedOrigins)
	return middleware.SecurityHeaders(cors(limit(mux)))
}

// Relay returns the WebSocket relay.
func (s *Server) Relay() *Relay { return s.relay }

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("api started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Stop closes relay clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.relay.Stop()

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to, or "" before Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}
