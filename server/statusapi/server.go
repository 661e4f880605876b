package statusapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/health"
	"github.com/migadu/lbpool/server/balancer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statsTimeout bounds how long a pools request waits for the workers to answer
const statsTimeout = 5 * time.Second

// Server exposes host health and pool statistics of a balancer over HTTP
type Server struct {
	addr     string
	apiKey   string
	balancer *balancer.Balancer
	monitor  *health.HealthMonitor
	router   *mux.Router
}

// ServerOptions holds configuration options for the status API server
type ServerOptions struct {
	Addr    string
	APIKey  string                // Bearer token; empty disables authentication
	Monitor *health.HealthMonitor // Optional, enables per-check detail on /health
}

// New creates a status API server for b
func New(b *balancer.Balancer, options ServerOptions) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("balancer is required for the status API")
	}
	s := &Server{
		addr:     options.Addr,
		apiKey:   options.APIKey,
		balancer: b,
		monitor:  options.Monitor,
	}
	s.router = s.setupRoutes()
	return s, nil
}

// NewFromConfig creates a status API server from the [status_api] section
func NewFromConfig(b *balancer.Balancer, cfg config.StatusAPIConfig, monitor *health.HealthMonitor) (*Server, error) {
	return New(b, ServerOptions{Addr: cfg.Addr, APIKey: cfg.APIKey, Monitor: monitor})
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		logger.Info("Status API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status API: Error shutting down server", "error", err)
		}
	}()

	logger.Info("Status API: Starting server", "addr", ln.Addr().String(), "auth", s.apiKey != "")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API server failed: %w", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/hosts", s.handleListHosts).Methods("GET")
	v1.HandleFunc("/hosts/{id}", s.handleGetHost).Methods("GET")
	v1.HandleFunc("/hosts/{id}/recover", s.handleRecoverHost).Methods("POST")
	v1.HandleFunc("/hosts/{id}/probe", s.handleProbeHost).Methods("POST")

	v1.HandleFunc("/pools", s.handleListPools).Methods("GET")

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Not found")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	v1.MethodNotAllowedHandler = methodNotAllowed
	router.MethodNotAllowedHandler = methodNotAllowed
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Status API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

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

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts := s.balancer.HostStatuses()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hosts": hosts,
		"total": len(hosts),
	})
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	status, ok := s.hostStatus(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecoverHost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.balancer.MarkAvailable(id); err != nil {
		if errors.Is(err, balancer.ErrHostNotFound) {
			s.writeError(w, http.StatusNotFound, "Host not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("Status API: host recovered manually", "host", id, "remote", r.RemoteAddr)
	status, _ := s.hostStatus(id)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProbeHost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.balancer.ProbeHost(r.Context(), id)
	switch {
	case errors.Is(err, balancer.ErrHostNotFound):
		s.writeError(w, http.StatusNotFound, "Host not found")
		return
	case err != nil:
		status, _ := s.hostStatus(id)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"host":  status,
		})
		return
	}

	status, _ := s.hostStatus(id)
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	worker := -1
	if v := r.URL.Query().Get("worker"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= s.balancer.Workers() {
			s.writeError(w, http.StatusBadRequest, "Invalid worker index")
			return
		}
		worker = n
	}
	hostID := r.URL.Query().Get("host")

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()
	stats, err := s.balancer.PoolStats(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Failed to collect pool statistics: %v", err))
		return
	}

	pools := make([]balancer.PoolStats, 0, len(stats))
	var live, idle, inUse, waiters int
	for _, p := range stats {
		if (worker >= 0 && p.Worker != worker) || (hostID != "" && p.HostID != hostID) {
			continue
		}
		pools = append(pools, p)
		live += p.Live
		idle += p.Idle
		inUse += p.InUse
		waiters += p.Waiters
	}

	totals := map[string]int{
		"live":    live,
		"idle":    idle,
		"in_use":  inUse,
		"waiters": waiters,
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pools":          pools,
		"totals":         totals,
		"workers":        s.balancer.Workers(),
		"mailbox_depths": s.balancer.MailboxDepths(),
	})
}

// handleHealth reports unhealthy only when no host can be selected
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	availability := s.balancer.HostAvailability()
	available := 0
	for _, ok := range availability {
		if ok {
			available++
		}
	}

	status := health.StatusHealthy
	switch {
	case available == 0:
		status = health.StatusUnhealthy
	case available < len(availability):
		status = health.StatusDegraded
	}

	resp := map[string]any{
		"status":          status,
		"hosts_available": available,
		"hosts_total":     len(availability),
	}
	if s.monitor != nil {
		resp["checks"] = s.monitor.GetAllStatuses()
		resp["monitor_status"] = s.monitor.GetOverallStatus()
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) hostStatus(id string) (balancer.HostStatus, bool) {
	for _, st := range s.balancer.HostStatuses() {
		if st.ID == id {
			return st, true
		}
	}
	return balancer.HostStatus{}, false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Status API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
