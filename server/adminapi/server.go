// Package adminapi serves the administrative and monitoring HTTP API: cached
// connection views, administrative close, cache statistics and health.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/model"
	pkgerrors "github.com/examlink/sebconn/pkg/errors"
	"github.com/examlink/sebconn/pkg/health"
	"github.com/examlink/sebconn/pkg/metrics"
	"github.com/examlink/sebconn/server/connectioncache"
	"github.com/examlink/sebconn/server/indicator"
)

// ConnectionView is the read side of the connection cache.
type ConnectionView interface {
	Get(ctx context.Context, token string) *connectioncache.ClientConnectionData
	Stats() connectioncache.Stats
}

// Closer closes connections on behalf of an administrator.
type Closer interface {
	CloseConnection(ctx context.Context, token string, institutionID int64, clientAddress string) (*model.ConnectionRecord, error)
}

// Store is the subset of the connection store the API reads directly.
type Store interface {
	ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error)
	EventsByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ClientEvent, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	connections  ConnectionView
	closer       Closer
	store        Store
	health       *health.HealthMonitor
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Connections  ConnectionView
	Closer       Closer
	Store        Store
	Health       *health.HealthMonitor
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.Connections == nil || options.Closer == nil {
		return nil, fmt.Errorf("connection cache and session service are required for HTTP API server")
	}

	// Validate TLS configuration
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		connections:  options.Connections,
		closer:       options.Closer,
		store:        options.Store,
		health:       options.Health,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is cancelled. Startup and serve failures
// are sent on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

const apiPrefix = "/api/v1"

// Handler returns the routed API with its middleware chain.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// Routes sit on the root router so a known path with the wrong method
	// answers 405; a PathPrefix subrouter reports it as 404.
	router.HandleFunc(apiPrefix+"/connections/stats", s.handleConnectionStats).Methods("GET")
	router.HandleFunc(apiPrefix+"/connections/{token}", s.handleGetConnection).Methods("GET")
	router.HandleFunc(apiPrefix+"/connections/{token}/events", s.handleConnectionEvents).Methods("GET")
	router.HandleFunc(apiPrefix+"/connections/{token}/close", s.handleCloseConnection).Methods("POST")

	router.HandleFunc(apiPrefix+"/cache/stats", s.handleCacheStats).Methods("GET")

	router.HandleFunc(apiPrefix+"/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") && ip != nil {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
					allowed = true
					break
				}
			}
		}

		if !allowed {
			logger.Warn("HTTP API: request from host not allowed", "client_ip", clientIP, "path", r.URL.Path)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps a session error kind onto an HTTP status.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	kind := pkgerrors.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case pkgerrors.KindNotFound:
		status = http.StatusNotFound
	case pkgerrors.KindIntegrityViolation, pkgerrors.KindInvalidStateTransition, pkgerrors.KindExamNotRunning:
		status = http.StatusConflict
	case pkgerrors.KindStorageFailure, pkgerrors.KindTimeout:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("HTTP API: request failed", "kind", kind, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

// Response types

type ConnectionResponse struct {
	Connection *model.ConnectionRecord `json:"connection"`
	Indicators []indicator.Value       `json:"indicators"`
	LoadedAt   time.Time               `json:"loaded_at"`
}

type HealthResponse struct {
	Status string               `json:"status"`
	Checks []health.CheckResult `json:"checks"`
}

// Handler functions

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	data := s.connections.Get(r.Context(), token)
	if data == nil {
		s.writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	values := data.Indicators.Snapshot()
	if values == nil {
		values = []indicator.Value{}
	}
	s.writeJSON(w, http.StatusOK, ConnectionResponse{
		Connection: data.Record,
		Indicators: values,
		LoadedAt:   data.LoadedAt,
	})
}

func (s *Server) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotImplemented, "Event history not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	data := s.connections.Get(r.Context(), mux.Vars(r)["token"])
	if data == nil {
		s.writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	events, err := s.store.EventsByConnection(r.Context(), data.Record.ID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []model.ClientEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	data := s.connections.Get(r.Context(), token)
	if data == nil {
		s.writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	rec, err := s.closer.CloseConnection(r.Context(), token, data.Record.InstitutionID, getClientIP(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	logger.Info("HTTP API: connection closed by administrator", "connection_id", rec.ID, "remote", getClientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"connection": rec})
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotImplemented, "Connection statistics not available")
		return
	}
	counts, err := s.store.ConnectionCountsByStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if counts == nil {
		counts = make(map[string]int64)
	}

	var total int64
	for _, st := range model.AllStatuses {
		if _, ok := counts[string(st)]; !ok {
			counts[string(st)] = 0
		}
		total += counts[string(st)]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"by_status": counts, "total": total})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.connections.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, HealthResponse{Status: string(health.StatusHealthy), Checks: []health.CheckResult{}})
		return
	}

	overall := s.health.GetOverallStatus()
	status := http.StatusOK
	if overall == health.StatusUnhealthy || overall == health.StatusUnreachable {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, HealthResponse{Status: string(overall), Checks: s.health.Snapshot()})
}
