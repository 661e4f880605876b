package balancer

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/migadu/lbpool/logger"
)

// Handle is an open backend connection. The pool only ever closes it; reading and
// writing is up to whoever leases the slot.
type Handle interface {
	Close() error
}

// Transport opens connections to backend addresses
type Transport interface {
	Dial(ctx context.Context, addr string) (Handle, error)
}

// BackendConn is the handle produced by TCPTransport. The buffered reader and writer
// stay attached to the connection across leases so that bytes read ahead by one
// request are not lost to the next.
type BackendConn struct {
	net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer
}

func newBackendConn(c net.Conn) *BackendConn {
	return &BackendConn{
		Conn:   c,
		Reader: bufio.NewReader(c),
		Writer: bufio.NewWriter(c),
	}
}

// TCPTransport dials plain TCP, or implicit TLS for addresses registered with SetTLS
type TCPTransport struct {
	// KeepAlive is passed to net.Dialer (0 keeps the OS default)
	KeepAlive time.Duration

	mu  sync.RWMutex
	tls map[string]*tls.Config
}

// SetTLS enables implicit TLS for addr
func (t *TCPTransport) SetTLS(addr string, insecureSkipVerify bool) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: insecureSkipVerify,
		// Explicitly set empty certificates to prevent automatic client certificate presentation
		Certificates: []tls.Certificate{},
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return nil, nil
		},
		Renegotiation: tls.RenegotiateNever,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tls == nil {
		t.tls = make(map[string]*tls.Config)
	}
	t.tls[addr] = cfg
}

func (t *TCPTransport) tlsConfig(addr string) *tls.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tls[addr]
}

// Dial connects to addr. The context bounds both the TCP connect and the TLS handshake.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Handle, error) {
	dialer := &net.Dialer{KeepAlive: t.KeepAlive}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug("Balancer: failed to connect", "addr", addr, "error", err)
		return nil, err
	}

	if cfg := t.tlsConfig(addr); cfg != nil {
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			logger.Debug("Balancer: TLS handshake failed", "addr", addr, "InsecureSkipVerify", cfg.InsecureSkipVerify, "error", err)
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	logger.Debug("Connected to backend", "addr", addr, "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String())
	return newBackendConn(conn), nil
}
