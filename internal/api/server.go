// Package api provides the HTTP API for inspecting and administering the
// lease table.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MauricioCa07/DHCP-Project/internal/config"
	"github.com/MauricioCa07/DHCP-Project/internal/lease"
)

// LeaseSource is the view of the lease table the API needs.
// *lease.Table implements it.
type LeaseSource interface {
	Snapshot() []lease.Record
	Lookup(mac net.HardwareAddr) (lease.Lease, bool)
	Release(mac net.HardwareAddr) error
	Stats() lease.Stats
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.APIConfig
	leases     LeaseSource
	logger     *slog.Logger
	httpServer *http.Server
	auth       *AuthMiddleware
	auditLog   AuditLog
	startTime  time.Time
	version    string
	now        func() time.Time
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithAuditLog enables the lease history endpoints.
func WithAuditLog(al AuditLog) ServerOption {
	return func(s *Server) { s.auditLog = al }
}

// WithClock overrides the time source used for remaining-time fields.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, leases LeaseSource, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		leases:    leases,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.auth = NewAuthMiddleware(cfg.Auth.AuthToken, cfg.Auth.Users, logger)
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.Listen, err)
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Start is a convenience that calls Listen + Serve. Blocks until shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health check (no auth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Leases
	mux.HandleFunc("GET /api/v1/leases", s.auth.RequireAuth(s.handleListLeases))
	mux.HandleFunc("GET /api/v1/leases/{mac}", s.auth.RequireAuth(s.handleGetLease))
	mux.HandleFunc("DELETE /api/v1/leases/{mac}", s.auth.RequireAdmin(s.handleReleaseLease))

	// Lease history
	mux.HandleFunc("GET /api/v1/audit", s.auth.RequireAuth(s.handleAuditQuery))
	mux.HandleFunc("GET /api/v1/audit/export", s.auth.RequireAuth(s.handleAuditExportCSV))

	// Stats
	mux.HandleFunc("GET /api/v1/stats", s.auth.RequireAuth(s.handleStats))
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
