package testutils

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

// Backend is an HTTP test server that records how many TCP connections clients
// opened to it and how many are currently open.
type Backend struct {
	*httptest.Server

	opened atomic.Int64
	closed atomic.Int64
}

// EchoHandler answers every request with its method and path, and copies the
// forwarding headers into the response so tests can inspect them.
func EchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-Request-Id", r.Header.Get("X-Request-Id"))
		w.Header().Set("X-Seen-Connection", r.Header.Get("Connection"))
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.RequestURI())
	})
}

// NewBackend starts a backend serving handler (EchoHandler when nil). The server is
// closed when the test ends.
func NewBackend(t testing.TB, handler http.Handler) *Backend {
	t.Helper()
	if handler == nil {
		handler = EchoHandler()
	}

	b := &Backend{}
	b.Server = httptest.NewUnstartedServer(handler)
	b.Server.Config.ConnState = b.connState
	b.Server.Start()
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) connState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		b.opened.Add(1)
	case http.StateClosed, http.StateHijacked:
		b.closed.Add(1)
	}
}

// Addr returns the host:port the backend listens on
func (b *Backend) Addr() string {
	return b.Listener.Addr().String()
}

// Opened returns the number of connections accepted so far
func (b *Backend) Opened() int {
	return int(b.opened.Load())
}

// Open returns the number of connections currently open
func (b *Backend) Open() int {
	return int(b.opened.Load() - b.closed.Load())
}

// WaitOpen polls until exactly n connections are open or timeout expires
func (b *Backend) WaitOpen(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Open() == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Open() == n
}

// ClosedAddr returns an address nothing listens on
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// WriteConfigFile writes body to a config.toml in a fresh temp directory and
// checks that it is valid TOML before returning the path.
func WriteConfigFile(t testing.TB, body string) string {
	t.Helper()

	var probe map[string]any
	_, err := toml.Decode(body, &probe)
	require.NoError(t, err, "test configuration is not valid TOML")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
