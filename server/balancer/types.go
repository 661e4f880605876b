package balancer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/migadu/lbpool/config"
)

// Default values applied by Options.withDefaults
const (
	DefaultConnectionsPerThread = 10
	DefaultProblemCooldown      = 10 * time.Second
	DefaultAcquireTimeout       = 10 * time.Second
	DefaultConnectTimeout       = 5 * time.Second

	mailboxHint = 256 // initial mailbox capacity, grows on demand
	taskBatch   = 64  // tasks taken from the mailbox per wakeup
)

// Options configures a Balancer. The zero value of each field selects its default.
type Options struct {
	// Workers is the number of worker goroutines, each owning its own pools (0 = NumCPU)
	Workers int
	// ConnectionsPerThread is the hard cap of live connections per (host, worker)
	ConnectionsPerThread int
	// SoftMaxConnectionsPerThread allows overflow connections up to this cap; 0 disables overflow
	SoftMaxConnectionsPerThread int
	// TTL is how long a connection may sit idle before it is closed; <= 0 disables eviction
	TTL time.Duration
	// ProblemCooldown is how long a host stays out of selection after a connect failure
	ProblemCooldown time.Duration
	// AcquireTimeout bounds the total time Acquire may wait for a connection
	AcquireTimeout time.Duration
	// ConnectTimeout bounds a single dial
	ConnectTimeout time.Duration
	// Policy chooses among eligible hosts (default round-robin)
	Policy HostPolicy
	// Transport opens backend connections (default plain TCP)
	Transport Transport
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.ConnectionsPerThread <= 0 {
		o.ConnectionsPerThread = DefaultConnectionsPerThread
	}
	if o.ProblemCooldown <= 0 {
		o.ProblemCooldown = DefaultProblemCooldown
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Policy == nil {
		o.Policy = NewRoundRobinPolicy()
	}
	if o.Transport == nil {
		o.Transport = &TCPTransport{}
	}
	return o
}

func (o Options) validate() error {
	if o.SoftMaxConnectionsPerThread < 0 {
		return fmt.Errorf("soft max connections per thread must not be negative, got %d", o.SoftMaxConnectionsPerThread)
	}
	if o.SoftMaxConnectionsPerThread > 0 && o.SoftMaxConnectionsPerThread <= o.ConnectionsPerThread {
		return fmt.Errorf("soft max connections per thread (%d) must exceed connections per thread (%d)",
			o.SoftMaxConnectionsPerThread, o.ConnectionsPerThread)
	}
	return nil
}

// OptionsFromConfig converts the [balancer] configuration section into Options.
// The transport is built from the per-host TLS settings.
func OptionsFromConfig(cfg config.BalancerConfig) (Options, error) {
	ttl, err := cfg.GetTTL()
	if err != nil {
		return Options{}, fmt.Errorf("invalid ttl: %w", err)
	}
	cooldown, err := cfg.GetProblemCooldown()
	if err != nil {
		return Options{}, fmt.Errorf("invalid problem_cooldown: %w", err)
	}
	acquireTimeout, err := cfg.GetAcquireTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid acquire_timeout: %w", err)
	}
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid connect_timeout: %w", err)
	}
	policy, err := NewPolicy(cfg.Policy)
	if err != nil {
		return Options{}, err
	}

	transport := &TCPTransport{}
	for _, h := range cfg.Hosts {
		if h.TLS {
			transport.SetTLS(h.Addr, !h.GetTLSVerify())
		}
	}

	return Options{
		Workers:                     cfg.Workers,
		ConnectionsPerThread:        cfg.ConnectionsPerThread,
		SoftMaxConnectionsPerThread: cfg.SoftMaxConnectionsPerThread,
		TTL:                         ttl,
		ProblemCooldown:             cooldown,
		AcquireTimeout:              acquireTimeout,
		ConnectTimeout:              connectTimeout,
		Policy:                      policy,
		Transport:                   transport,
	}, nil
}

// PoolStats is a snapshot of one (host, worker) pool
type PoolStats struct {
	Worker  int    `json:"worker"`
	HostID  string `json:"host"`
	Live    int    `json:"live"`
	Idle    int    `json:"idle"`
	InUse   int    `json:"in_use"`
	Dialing int    `json:"dialing"`
	Waiters int    `json:"waiters"`
	HardCap int    `json:"hard_cap"`
	SoftCap int    `json:"soft_cap"`
	Closed  bool   `json:"closed"`
}
