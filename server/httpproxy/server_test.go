package httpproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/pkg/retry"
	"github.com/migadu/lbpool/server/balancer"
	"github.com/migadu/lbpool/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBalancer(t *testing.T, opts balancer.Options, addrs ...string) *balancer.Balancer {
	t.Helper()
	b, err := balancer.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	for _, addr := range addrs {
		_, err := b.AddHost(addr, "")
		require.NoError(t, err)
	}
	return b
}

// startProxy serves p through an httptest server that binds client connections
// to workers the same way Serve does
func startProxy(t *testing.T, p *Server) *httptest.Server {
	t.Helper()
	front := httptest.NewUnstartedServer(p)
	front.Config.ConnContext = p.ConnContext
	front.Start()
	t.Cleanup(front.Close)
	return front
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxyForwardsRequest(t *testing.T) {
	backend := testutils.NewBackend(t, nil)
	b := newTestBalancer(t, balancer.Options{Workers: 1}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/hello?x=1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "10.1.1.1")
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "drop me")

	resp, err := front.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /hello?x=1", string(body))
	assert.Equal(t, "10.1.1.1, 127.0.0.1", resp.Header.Get("X-Seen-Forwarded-For"))
	assert.Empty(t, resp.Header.Get("X-Seen-Connection"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, resp.Header.Get("X-Request-Id"), resp.Header.Get("X-Seen-Request-Id"))
}

func TestProxyKeepsRequestID(t *testing.T) {
	backend := testutils.NewBackend(t, nil)
	b := newTestBalancer(t, balancer.Options{Workers: 1}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	req, err := http.NewRequest(http.MethodGet, front.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get("X-Seen-Request-Id"))
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-Id"))
}

func TestProxyForwardsBody(t *testing.T) {
	backend := testutils.NewBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Write([]byte(strings.ToUpper(string(data))))
	}))
	b := newTestBalancer(t, balancer.Options{Workers: 1}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	for i := 0; i < 3; i++ {
		resp, err := front.Client().Post(front.URL+"/upload", "text/plain", strings.NewReader("payload"))
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, "PAYLOAD", string(body))
	}
	assert.Equal(t, 1, backend.Opened(), "sequential requests should share one pooled connection")
}

// One worker, one host, capacity 1: concurrent requests queue for the single
// backend connection instead of opening new ones.
func TestProxyReuseUnderSingleCapacity(t *testing.T) {
	backend := testutils.NewBackend(t, nil)
	b := newTestBalancer(t, balancer.Options{
		Workers:              1,
		ConnectionsPerThread: 1,
		TTL:                  2 * time.Second,
		AcquireTimeout:       5 * time.Second,
	}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := front.Client().Get(front.URL + "/")
			if err != nil {
				errs <- err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- assert.AnError
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("request failed: %v", err)
	}

	assert.Equal(t, 1, backend.Opened())
	assert.Equal(t, 1, backend.Open())
}

func TestProxyConnectionCloseResponseDiscardsSlot(t *testing.T) {
	backend := testutils.NewBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/close" {
			w.Header().Set("Connection", "close")
		}
		w.Write([]byte("ok"))
	}))
	b := newTestBalancer(t, balancer.Options{Workers: 1}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	resp, _ := get(t, front.Client(), front.URL+"/close")
	assert.Empty(t, resp.Header.Get("Connection"))
	get(t, front.Client(), front.URL+"/")
	get(t, front.Client(), front.URL+"/")

	assert.Equal(t, 2, backend.Opened())
}

// oneShotBackend answers one keep-alive response per connection and then closes it,
// like a backend whose idle timeout is shorter than the pool's
type oneShotBackend struct {
	addr     string
	accepted atomic.Int64
	closed   atomic.Int64
}

func newOneShotBackend(t *testing.T) *oneShotBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	sb := &oneShotBackend{addr: ln.Addr().String()}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			sb.accepted.Add(1)
			go func(c net.Conn) {
				defer func() {
					c.Close()
					sb.closed.Add(1)
				}()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				io.Copy(io.Discard, req.Body)
				body := req.Method + " " + req.URL.RequestURI()
				fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
			}(c)
		}
	}()
	return sb
}

func (sb *oneShotBackend) waitClosed(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return sb.closed.Load() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestProxyRetriesIdempotentRequestOnClosedKeepAlive(t *testing.T) {
	backend := newOneShotBackend(t)
	b := newTestBalancer(t, balancer.Options{Workers: 1, ConnectionsPerThread: 1}, backend.addr)
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	resp, body := get(t, front.Client(), front.URL+"/first")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /first", body)
	backend.waitClosed(t, 1)

	// The pooled connection is dead; the request is replayed on a fresh one
	resp, body = get(t, front.Client(), front.URL+"/second")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /second", body)
	assert.EqualValues(t, 2, backend.accepted.Load())
	backend.waitClosed(t, 2)

	// A request with a body is never replayed
	resp, err = front.Client().Post(front.URL+"/upload", "text/plain", strings.NewReader("data"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.EqualValues(t, 2, backend.accepted.Load())
}

func TestStaleConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"unexpected eof from ReadResponse", fmt.Errorf("read response: %w", io.ErrUnexpectedEOF), true},
		{"reset on write", fmt.Errorf("write request: %w", &net.OpError{Op: "write", Err: syscall.ECONNRESET}), true},
		{"broken pipe", fmt.Errorf("write request: %w", &net.OpError{Op: "write", Err: syscall.EPIPE}), true},
		{"malformed response", fmt.Errorf("read response: %w", errors.New("malformed HTTP status code")), false},
		{"timeout", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, staleConnection(tt.err))
		})
	}
}

func TestProxyNoAvailableHost(t *testing.T) {
	b := newTestBalancer(t, balancer.Options{Workers: 1, ConnectTimeout: time.Second}, testutils.ClosedAddr(t))
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	resp, _ := get(t, front.Client(), front.URL+"/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestProxyFailsOverToHealthyHost(t *testing.T) {
	backend := testutils.NewBackend(t, nil)
	b := newTestBalancer(t, balancer.Options{Workers: 1, ConnectTimeout: time.Second}, testutils.ClosedAddr(t), backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	for i := 0; i < 4; i++ {
		resp, _ := get(t, front.Client(), front.URL+"/")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

// blockingBackend holds requests to /slow until release is closed
func blockingBackend(t *testing.T) (*testutils.Backend, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := testutils.NewBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			started <- struct{}{}
			<-release
		}
		w.Write([]byte("done"))
	}))
	return backend, started, release
}

func TestProxyPoolExhausted(t *testing.T) {
	backend, started, release := blockingBackend(t)
	b := newTestBalancer(t, balancer.Options{
		Workers:              1,
		ConnectionsPerThread: 1,
		AcquireTimeout:       50 * time.Millisecond,
	}, backend.Addr())
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)
	front := startProxy(t, p)

	slowDone := make(chan int, 1)
	go func() {
		resp, err := front.Client().Get(front.URL + "/slow")
		if err != nil {
			slowDone <- 0
			return
		}
		resp.Body.Close()
		slowDone <- resp.StatusCode
	}()
	<-started

	resp, _ := get(t, front.Client(), front.URL+"/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	close(release)
	assert.Equal(t, http.StatusOK, <-slowDone)
}

func TestProxyRetriesExhaustedIdempotentRequests(t *testing.T) {
	backend, started, release := blockingBackend(t)
	b := newTestBalancer(t, balancer.Options{
		Workers:              1,
		ConnectionsPerThread: 1,
		AcquireTimeout:       20 * time.Millisecond,
	}, backend.Addr())
	p, err := New(b, ServerOptions{
		ExhaustedRetries: 10,
		Backoff: retry.BackoffConfig{
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     40 * time.Millisecond,
			Multiplier:      2,
		},
	})
	require.NoError(t, err)
	front := startProxy(t, p)

	go func() {
		resp, err := front.Client().Get(front.URL + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	time.AfterFunc(100*time.Millisecond, func() { close(release) })

	resp, body := get(t, front.Client(), front.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", body)
}

func TestProxyDoesNotRetryNonIdempotentRequests(t *testing.T) {
	backend, started, release := blockingBackend(t)
	defer close(release)
	b := newTestBalancer(t, balancer.Options{
		Workers:              1,
		ConnectionsPerThread: 1,
		AcquireTimeout:       20 * time.Millisecond,
	}, backend.Addr())
	p, err := New(b, ServerOptions{
		ExhaustedRetries: 10,
		Backoff: retry.BackoffConfig{
			InitialInterval: time.Second,
			MaxInterval:     time.Second,
			Multiplier:      1,
		},
	})
	require.NoError(t, err)
	front := startProxy(t, p)

	go func() {
		resp, err := front.Client().Get(front.URL + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	start := time.Now()
	resp, err := front.Client().Post(front.URL+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second, "POST must fail without backoff retries")
}

func TestProxyAffinityKey(t *testing.T) {
	b := newTestBalancer(t, balancer.Options{Workers: 1})

	none, err := New(b, ServerOptions{})
	require.NoError(t, err)
	byIP, err := New(b, ServerOptions{Affinity: config.AffinityClientIP})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	assert.Empty(t, none.affinityKey(r))
	assert.Equal(t, "192.0.2.7", byIP.affinityKey(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", byIP.affinityKey(r))
}

func TestProxyClientIPAffinityIsSticky(t *testing.T) {
	first := testutils.NewBackend(t, nil)
	second := testutils.NewBackend(t, nil)
	third := testutils.NewBackend(t, nil)
	policy, err := balancer.NewPolicy(config.PolicyConsistentHash)
	require.NoError(t, err)
	b := newTestBalancer(t, balancer.Options{Workers: 1, Policy: policy}, first.Addr(), second.Addr(), third.Addr())
	p, err := New(b, ServerOptions{Affinity: config.AffinityClientIP})
	require.NoError(t, err)
	front := startProxy(t, p)

	for i := 0; i < 5; i++ {
		get(t, front.Client(), front.URL+"/")
	}
	total := first.Opened() + second.Opened() + third.Opened()
	assert.Equal(t, 1, total, "all requests from one client should reach the same host")
}

func TestProxyWorkerAssignment(t *testing.T) {
	b := newTestBalancer(t, balancer.Options{Workers: 3})
	p, err := New(b, ServerOptions{})
	require.NoError(t, err)

	var got []int
	for i := 0; i < 6; i++ {
		ctx := p.ConnContext(context.Background(), nil)
		r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
		got = append(got, p.workerFor(r))
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestNewValidatesOptions(t *testing.T) {
	b := newTestBalancer(t, balancer.Options{Workers: 1})

	_, err := New(nil, ServerOptions{})
	assert.Error(t, err)
	_, err = New(b, ServerOptions{Affinity: "cookie"})
	assert.Error(t, err)
	_, err = New(b, ServerOptions{ExhaustedRetries: -1})
	assert.Error(t, err)

	_, err = NewFromConfig(b, config.ProxyConfig{Addr: ":0", ReadTimeout: "soon"})
	assert.Error(t, err)
	p, err := NewFromConfig(b, config.ProxyConfig{Addr: ":0", ExhaustedRetries: 2, Affinity: config.AffinityClientIP})
	require.NoError(t, err)
	assert.Equal(t, 2, p.backoff.MaxRetries)
	assert.Equal(t, 30*time.Second, p.readTimeout)
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Private")
	h.Set("X-Private", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Type", "text/plain")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	backend := testutils.NewBackend(t, nil)
	b := newTestBalancer(t, balancer.Options{Workers: 1}, backend.Addr())
	p, err := New(b, ServerOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
