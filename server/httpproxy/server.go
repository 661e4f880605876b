package httpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/metrics"
	"github.com/migadu/lbpool/pkg/retry"
	"github.com/migadu/lbpool/server/balancer"
)

// Request outcomes used as metric labels
const (
	outcomeOK         = "ok"
	outcomeNoHost     = "no_host"
	outcomeExhausted  = "exhausted"
	outcomeBadGateway = "bad_gateway"
	outcomeCanceled   = "canceled"
	outcomeAborted    = "aborted"
)

type ctxKey int

const workerKey ctxKey = 0

// Server is an HTTP/1.1 reverse proxy that forwards every request over a
// connection leased from the balancer.
type Server struct {
	addr       string
	balancer   *balancer.Balancer
	affinity   string
	retries    int
	backoff    retry.BackoffConfig
	nextWorker atomic.Uint64

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// ServerOptions holds configuration options for the proxy listener
type ServerOptions struct {
	Addr             string
	ExhaustedRetries int    // Retries of idempotent requests that found the pool exhausted
	Affinity         string // config.AffinityNone or config.AffinityClientIP
	Backoff          retry.BackoffConfig
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
}

// New creates a proxy server on top of b
func New(b *balancer.Balancer, opts ServerOptions) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("balancer is required")
	}
	switch opts.Affinity {
	case "", config.AffinityNone, config.AffinityClientIP:
	default:
		return nil, fmt.Errorf("unsupported affinity %q", opts.Affinity)
	}
	if opts.ExhaustedRetries < 0 {
		return nil, fmt.Errorf("exhausted retries must not be negative")
	}

	backoff := opts.Backoff
	if backoff.InitialInterval == 0 {
		backoff = retry.BackoffConfig{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
			Jitter:          true,
		}
	}
	backoff.MaxRetries = opts.ExhaustedRetries

	return &Server{
		addr:         opts.Addr,
		balancer:     b,
		affinity:     opts.Affinity,
		retries:      opts.ExhaustedRetries,
		backoff:      backoff,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  opts.IdleTimeout,
	}, nil
}

// NewFromConfig creates a proxy server from the [proxy] section
func NewFromConfig(b *balancer.Balancer, cfg config.ProxyConfig) (*Server, error) {
	readTimeout, err := cfg.GetReadTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}
	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid idle_timeout: %w", err)
	}
	return New(b, ServerOptions{
		Addr:             cfg.Addr,
		ExhaustedRetries: cfg.ExhaustedRetries,
		Affinity:         cfg.Affinity,
		ReadTimeout:      readTimeout,
		WriteTimeout:     writeTimeout,
		IdleTimeout:      idleTimeout,
	})
}

// ConnContext binds an accepted client connection to one balancer worker.
// Every request on that connection borrows backend connections from the same
// worker's pools.
func (s *Server) ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, workerKey, s.assignWorker())
}

func (s *Server) assignWorker() int {
	return int((s.nextWorker.Add(1) - 1) % uint64(s.balancer.Workers()))
}

func (s *Server) workerFor(r *http.Request) int {
	if w, ok := r.Context().Value(workerKey).(int); ok {
		return w
	}
	return s.assignWorker()
}

// Start listens on the configured address and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts client connections on ln until ctx is cancelled, then shuts down
// gracefully. It returns nil after a requested shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
		ConnContext:  s.ConnContext,
	}

	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		logger.Info("HTTP Proxy: Shutting down server", "addr", ln.Addr().String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP Proxy: Error shutting down server", "error", err)
		}
	}()

	logger.Info("HTTP Proxy: Starting server", "addr", ln.Addr().String(), "workers", s.balancer.Workers(), "affinity", s.affinity)
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP forwards one request. The backend connection is released exactly once,
// as unhealthy unless the exchange completed cleanly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	worker := s.workerFor(r)

	outcome := s.forward(w, r, worker, requestID)

	duration := time.Since(start)
	metrics.ProxyRequestsTotal.WithLabelValues(outcome).Inc()
	metrics.ProxyRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	logger.Debug("HTTP Proxy: request", "request_id", requestID, "method", r.Method, "path", r.URL.Path,
		"worker", worker, "outcome", outcome, "duration", duration)

	if outcome == outcomeAborted {
		// Headers are already on the wire; closing the client connection is the
		// only way left to signal the failure.
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, worker int, requestID string) string {
	ctx := r.Context()
	outreq := s.outgoingRequest(r, requestID)

	// A pooled connection the backend already closed fails before any response
	// bytes arrive. Bodyless idempotent requests get one more try on another slot.
	attempts := 1
	if isIdempotent(r.Method) && (r.Body == nil || r.Body == http.NoBody) {
		attempts = 2
	}

	for attempt := 1; ; attempt++ {
		slot, err := s.acquire(ctx, r, worker)
		if err != nil {
			return s.acquireFailed(w, r, requestID, err)
		}

		resp, conn, err := s.roundTrip(ctx, slot, outreq)
		if err != nil {
			slot.Release(false)
			if ctx.Err() != nil {
				return outcomeCanceled
			}
			if attempt < attempts && staleConnection(err) {
				logger.Debug("HTTP Proxy: retrying on stale backend connection", "request_id", requestID, "host", slot.HostID())
				continue
			}
			logger.Warn("HTTP Proxy: backend exchange failed", "request_id", requestID, "host", slot.HostID(), "error", err)
			writeError(w, http.StatusBadGateway, "Bad gateway")
			return outcomeBadGateway
		}

		return s.respond(w, requestID, slot, conn, resp)
	}
}

// staleConnection reports whether err is what a keep-alive connection closed by the
// backend looks like: a reset or broken pipe on write, or EOF before the status line.
// http.ReadResponse turns a bare EOF into io.ErrUnexpectedEOF.
func staleConnection(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// acquire borrows a backend connection, retrying idempotent requests with backoff
// while the pool stays exhausted
func (s *Server) acquire(ctx context.Context, r *http.Request, worker int) (*balancer.Slot, error) {
	key := s.affinityKey(r)
	if s.retries == 0 || !isIdempotent(r.Method) {
		return s.balancer.Acquire(ctx, worker, key)
	}

	var slot *balancer.Slot
	err := retry.WithRetry(ctx, func() error {
		var err error
		slot, err = s.balancer.Acquire(ctx, worker, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, balancer.ErrPoolExhausted) && !errors.Is(err, balancer.ErrPoolClosed) {
			return err
		}
		return retry.Stop(err)
	}, s.backoff)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (s *Server) acquireFailed(w http.ResponseWriter, r *http.Request, requestID string, err error) string {
	switch {
	case r.Context().Err() != nil:
		return outcomeCanceled
	case errors.Is(err, balancer.ErrNoAvailableHost):
		logger.Warn("HTTP Proxy: no backend available", "request_id", requestID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "No backend available")
		return outcomeNoHost
	case errors.Is(err, balancer.ErrPoolExhausted):
		logger.Warn("HTTP Proxy: backend pool exhausted", "request_id", requestID, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Backend pool exhausted")
		return outcomeExhausted
	case errors.Is(err, balancer.ErrBalancerClosed):
		writeError(w, http.StatusServiceUnavailable, "Shutting down")
		return outcomeNoHost
	default:
		logger.Warn("HTTP Proxy: failed to obtain backend connection", "request_id", requestID, "error", err)
		writeError(w, http.StatusBadGateway, "Bad gateway")
		return outcomeBadGateway
	}
}

// exchange is the per-request state of a leased connection
type exchange struct {
	conn *balancer.BackendConn
	stop func() bool
}

// done detaches the cancellation hook. It reports false if the hook already fired
// and the connection was interrupted.
func (e *exchange) done() bool {
	if !e.stop() {
		return false
	}
	return e.conn.SetDeadline(time.Time{}) == nil
}

// roundTrip writes outreq on the slot's connection and reads the response header
func (s *Server) roundTrip(ctx context.Context, slot *balancer.Slot, outreq *http.Request) (*http.Response, *exchange, error) {
	conn, ok := slot.Handle().(*balancer.BackendConn)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported backend handle %T", slot.Handle())
	}

	// Cancellation unblocks pending reads and writes by expiring the deadline
	ex := &exchange{
		conn: conn,
		stop: context.AfterFunc(ctx, func() {
			_ = conn.SetDeadline(time.Unix(1, 0))
		}),
	}

	if err := outreq.Write(conn.Writer); err != nil {
		ex.stop()
		return nil, nil, fmt.Errorf("write request: %w", err)
	}
	if err := conn.Writer.Flush(); err != nil {
		ex.stop()
		return nil, nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(conn.Reader, outreq)
	if err != nil {
		ex.stop()
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, ex, nil
}

// respond streams the backend response to the client and releases the slot
func (s *Server) respond(w http.ResponseWriter, requestID string, slot *balancer.Slot, ex *exchange, resp *http.Response) string {
	removeHopHeaders(resp.Header)
	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = append(header[k][:0], vv...)
	}
	header.Set("X-Request-Id", requestID)
	w.WriteHeader(resp.StatusCode)

	_, copyErr := io.Copy(w, resp.Body)
	closeErr := resp.Body.Close()

	healthy := copyErr == nil && closeErr == nil && !resp.Close
	if !ex.done() {
		healthy = false
	}
	slot.Release(healthy)

	if copyErr != nil {
		logger.Debug("HTTP Proxy: response copy interrupted", "request_id", requestID, "host", slot.HostID(), "error", copyErr)
		return outcomeAborted
	}
	return outcomeOK
}

// outgoingRequest prepares the request sent to the backend
func (s *Server) outgoingRequest(r *http.Request, requestID string) *http.Request {
	outreq := r.Clone(r.Context())
	outreq.RequestURI = ""
	outreq.URL.Scheme = ""
	outreq.URL.Host = ""
	outreq.Close = false
	if r.ContentLength == 0 {
		outreq.Body = nil
	}

	removeHopHeaders(outreq.Header)
	// The body is streamed from the client as it arrives; the backend must not
	// wait for an interim 100 response.
	outreq.Header.Del("Expect")

	if clientIP := clientIP(r); clientIP != "" {
		if prior := outreq.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}
	outreq.Header.Set("X-Request-Id", requestID)
	return outreq
}

func (s *Server) affinityKey(r *http.Request) string {
	if s.affinity == config.AffinityClientIP {
		return clientIP(r)
	}
	return ""
}

// Hop-by-hop headers, removed when forwarding (RFC 7230, section 6.1)
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message+"\n")
}
