// Package api provides the HTTP API through which operators review and
// decide pending DHCP requests.
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

	"github.com/carpie/sid/internal/approval"
	"github.com/carpie/sid/internal/audit"
	"github.com/carpie/sid/internal/config"
	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/macvendor"
	"github.com/carpie/sid/pkg/ipv4"
)

// LeaseReader exposes the static leases and range of the dnsmasq config.
type LeaseReader interface {
	ReadLeases() ([]dnsmasq.LeaseEntry, error)
	ReadLeaseRange() (dnsmasq.LeaseRange, error)
}

// Server is the HTTP API server for sid.
type Server struct {
	cfg         config.APIConfig
	approvals   *approval.Service
	leases      LeaseReader
	network     ipv4.Network
	auditLog    *audit.Log
	macVendorDB *macvendor.DB
	logger      *slog.Logger
	httpServer  *http.Server
	auth        *AuthMiddleware
	startTime   time.Time
	version     string
}

// ServerOption configures optional Server fields.
type ServerOption func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithAuditLog enables the decision history endpoint.
func WithAuditLog(al *audit.Log) ServerOption {
	return func(s *Server) { s.auditLog = al }
}

// WithMACVendorDB sets the MAC vendor lookup database.
func WithMACVendorDB(db *macvendor.DB) ServerOption {
	return func(s *Server) { s.macVendorDB = db }
}

// NewServer creates a new API server.
func NewServer(
	cfg config.APIConfig,
	approvals *approval.Service,
	leases LeaseReader,
	network ipv4.Network,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		cfg:       cfg,
		approvals: approvals,
		leases:    leases,
		network:   network,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.auth = NewAuthMiddleware(cfg.Auth.AuthToken, cfg.Auth.Users, logger)
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return newMetricsMiddleware(mux)
}

// Listen binds the API server to its configured address and prepares routes.
// Call this synchronously to catch port conflicts before starting background serve.
func (s *Server) Listen() (net.Listener, error) {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // approvals wait for the service restart
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("binding API server to %s: %w", s.cfg.Listen, err)
	}

	s.logger.Info("API server listening",
		"address", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
		"auth", s.auth.AuthRequired())
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	if s.cfg.TLS.Enabled {
		err = s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Prometheus metrics (no auth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Health check (no auth)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Pending requests
	mux.HandleFunc("GET /api/v1/requests", s.auth.RequireAuth(s.handleListRequests))
	mux.HandleFunc("DELETE /api/v1/requests", s.auth.RequireAdmin(s.handleClearRequests))
	mux.HandleFunc("POST /api/v1/requests/{mac}/approve", s.auth.RequireAdmin(s.handleApprove))
	mux.HandleFunc("POST /api/v1/requests/{mac}/deny", s.auth.RequireAdmin(s.handleDeny))

	// dnsmasq configuration (read-only)
	mux.HandleFunc("GET /api/v1/leases", s.auth.RequireAuth(s.handleListLeases))
	mux.HandleFunc("GET /api/v1/range", s.auth.RequireAuth(s.handleGetRange))

	// Decision history
	mux.HandleFunc("GET /api/v1/history", s.auth.RequireAuth(s.handleHistory))

	// MAC vendor lookup
	mux.HandleFunc("GET /api/v1/macvendor/{mac}", s.auth.RequireAuth(s.handleMACVendorLookup))
}

// JSONResponse writes a JSON response with the given status code.
func JSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// JSONError writes a JSON error response.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	JSONResponse(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
