// Package server provides the HTTP API for the tierstore knowledge store.
//
// The server exposes the knowledge store's inbound operations as JSON
// endpoints: proposing mutations through the trust gate, reading records and
// tier listings, reviewing staged conflicts, and a few operator endpoints for
// sweeps and configuration reloads.
//
// Endpoints:
//
//	GET  /health                        liveness, no details
//	GET  /status                        server and store statistics
//	POST /v1/mutations                  propose a mutation, returns a receipt
//	GET  /v1/records/{key}              read projection of one record
//	POST /v1/records/{key}/tier         move a record between tiers
//	GET  /v1/tiers/{tier}               one page of a tier listing
//	GET  /v1/conflicts                  list conflict records (?status=)
//	GET  /v1/conflicts/{id}             one conflict record
//	POST /v1/conflicts/{id}/approve     commit a staged mutation
//	POST /v1/conflicts/{id}/discard     close a staged mutation
//	POST /v1/admin/sweep                run a migration sweep now
//	POST /v1/admin/reload               reload configuration
//
// Receipts map to status codes: committed is 200, pending_review is 202 and
// rejected is 422. Request errors use the usual 4xx codes; a persistence
// failure is 503 and safe to retry.
//
// Example:
//
//	store, _ := knowledge.Open(cfg, engine, knowledge.WithLogger(logger))
//	srv, err := server.New(store, server.ConfigFrom(cfg.Server), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/knowledge"
)

// Errors
var (
	ErrServerClosed = errors.New("server closed")
	ErrNoStore      = errors.New("knowledge store required")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind (default "127.0.0.1")
	Address string
	// Port to listen on (default 7480)
	Port int
	// ReadTimeout bounds reading a request
	ReadTimeout time.Duration
	// WriteTimeout bounds writing a response
	WriteTimeout time.Duration
	// IdleTimeout bounds keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize bounds request bodies in bytes
	MaxRequestSize int64
	// RateLimitPerMinute per client IP, 0 disables rate limiting
	RateLimitPerMinute int
	// WriteRateLimitPerMinute per client IP for POST requests
	WriteRateLimitPerMinute int
	// RateLimitBurst is the bucket size
	RateLimitBurst int
	// RateLimitClients bounds the client table
	RateLimitClients int
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:                 "127.0.0.1",
		Port:                    7480,
		ReadTimeout:             30 * time.Second,
		WriteTimeout:            30 * time.Second,
		IdleTimeout:             120 * time.Second,
		MaxRequestSize:          8 << 20,
		RateLimitPerMinute:      600,
		WriteRateLimitPerMinute: 120,
		RateLimitBurst:          60,
		RateLimitClients:        10000,
	}
}

// ConfigFrom converts the server section of the store configuration.
func ConfigFrom(sc config.ServerConfig) *Config {
	c := DefaultConfig()
	if sc.Address != "" {
		c.Address = sc.Address
	}
	if sc.Port > 0 {
		c.Port = sc.Port
	}
	if sc.ReadTimeout > 0 {
		c.ReadTimeout = sc.ReadTimeout
	}
	if sc.WriteTimeout > 0 {
		c.WriteTimeout = sc.WriteTimeout
	}
	c.RateLimitPerMinute = sc.RateLimitPerMinute
	c.WriteRateLimitPerMinute = sc.WriteRateLimitPerMinute
	c.RateLimitBurst = sc.RateLimitBurst
	if sc.RateLimitClients > 0 {
		c.RateLimitClients = sc.RateLimitClients
	}
	return c
}

// Reloader produces the configuration for POST /v1/admin/reload, typically
// by re-reading the config file.
type Reloader func() (*config.Config, error)

// Server is the HTTP API server.
type Server struct {
	config   *Config
	store    *knowledge.Store
	logger   *zap.Logger
	reloader Reloader

	httpServer *http.Server
	listener   net.Listener

	limiter *ClientLimiter

	mu      sync.Mutex
	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a server for store. It is not started; call Start. A nil cfg
// uses DefaultConfig and a nil logger discards logs.
func New(store *knowledge.Store, cfg *Config, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		store:   store,
		logger:  logger.Named("http"),
		started: time.Now(),
	}
	if cfg.RateLimitPerMinute > 0 {
		limiter, err := NewClientLimiter(cfg.RateLimitPerMinute, cfg.WriteRateLimitPerMinute, cfg.RateLimitBurst, cfg.RateLimitClients)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		s.limiter = limiter
	}
	return s, nil
}

// SetReloader enables POST /v1/admin/reload.
func (s *Server) SetReloader(r Reloader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloader = r
}

func (s *Server) getReloader() Reloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloader
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server. The store is not closed.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server runtime statistics.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	st := ServerStats{
		Uptime:         time.Since(started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
	if s.limiter != nil {
		st.LimitedClients = s.limiter.Clients()
	}
	return st
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
	LimitedClients int           `json:"rate_limited_clients"`
}
