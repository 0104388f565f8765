// Package api implements the optional local status API. It is fed
// entirely from the event bus and never touches supervisor state, so a
// slow or misbehaving client cannot stall the monitoring loop.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"github.com/NotHydra/smart-med-guard/internal/buildinfo"
	"github.com/NotHydra/smart-med-guard/internal/device"
	"github.com/NotHydra/smart-med-guard/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// statusKinds are the event kinds reported by GET /v1/status.
var statusKinds = []string{
	events.KindBoot,
	events.KindLinkUp,
	events.KindLinkDown,
	events.KindBrokerUp,
	events.KindBrokerDown,
	events.KindClockSynced,
	events.KindSensorCycle,
}

// Server is the HTTP status server.
type Server struct {
	address    string
	port       int
	maxConns   int
	bus        *events.Bus
	identity   device.Identity
	instanceID string
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new status server. maxConns caps concurrent
// connections; zero means unlimited.
func NewServer(address string, port, maxConns int, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		maxConns: maxConns,
		bus:      bus,
		logger:   logger,
	}
}

// SetDevice records the identity reported by the status endpoint.
func (s *Server) SetDevice(id device.Identity, instanceID string) {
	s.identity = id
	s.instanceID = instanceID
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the listener is
// closed; a clean Shutdown returns nil. Request contexts, including
// open event streams, are cancelled when ctx is.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	host := s.address
	if host == "" {
		host = "0.0.0.0"
	}
	s.logger.Info("starting status API", "address", host, "port", s.port, "max_conns", s.maxConns)

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "SmartMedGuard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	InstanceID string                  `json:"instance_id,omitempty"`
	Device     device.Identity         `json:"device"`
	Topic      string                  `json:"topic"`
	Uptime     string                  `json:"uptime"`
	Latest     map[string]events.Event `json:"latest"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		InstanceID: s.instanceID,
		Device:     s.identity,
		Topic:      s.identity.Topic(),
		Uptime:     buildinfo.Uptime().String(),
		Latest:     make(map[string]events.Event),
	}
	for _, kind := range statusKinds {
		if e, ok := s.bus.Latest(kind); ok {
			resp.Latest[kind] = e
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
