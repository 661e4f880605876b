package balancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/metrics"
)

// Balancer selects backend hosts and hands out pooled connections to them.
// Each worker index owns an independent set of per-host pools.
type Balancer struct {
	opts     Options
	registry *registry
	workers  []*worker
	events   eventHub
	slotSeq  atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New starts the worker goroutines. Hosts are added with AddHost.
func New(opts Options) (*Balancer, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	b := &Balancer{
		opts:     opts,
		registry: newRegistry(),
	}
	b.workers = make([]*worker, opts.Workers)
	for i := range b.workers {
		b.workers[i] = newWorker(b, i)
		go b.workers[i].run()
	}

	logger.Info("Balancer: started", "workers", opts.Workers, "connections_per_thread", opts.ConnectionsPerThread,
		"soft_max_connections_per_thread", opts.SoftMaxConnectionsPerThread, "ttl", opts.TTL,
		"problem_cooldown", opts.ProblemCooldown, "acquire_timeout", opts.AcquireTimeout)
	return b, nil
}

// NewFromConfig builds a balancer from the [balancer] section and registers its hosts
func NewFromConfig(cfg config.BalancerConfig) (*Balancer, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	for _, h := range cfg.Hosts {
		if _, err := b.AddHost(h.Addr, h.ID); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to add host %q: %w", h.Addr, err)
		}
	}
	return b, nil
}

// AddHost registers a backend. An empty id defaults to the address.
func (b *Balancer) AddHost(addr, id string) (*Host, error) {
	if b.closed.Load() {
		return nil, ErrBalancerClosed
	}
	if addr == "" {
		return nil, errors.New("host address is required")
	}
	if id == "" {
		id = addr
	}

	h := newHost(id, addr)
	if err := b.registry.add(h); err != nil {
		return nil, fmt.Errorf("%w: %s", err, id)
	}
	if obs, ok := b.opts.Policy.(hostSetObserver); ok {
		obs.HostAdded(h)
	}
	logger.Info("Balancer: host added", "host", id, "addr", addr)
	return h, nil
}

// RemoveHost unregisters a backend and shuts down its pools on every worker.
// Connections still leased are closed when released.
func (b *Balancer) RemoveHost(id string) error {
	h, err := b.registry.remove(id)
	if err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	if obs, ok := b.opts.Policy.(hostSetObserver); ok {
		obs.HostRemoved(h)
	}
	for _, w := range b.workers {
		w := w
		_ = w.post(func() { w.dropHost(h) })
	}
	metrics.HostAvailable.DeleteLabelValues(id)
	logger.Info("Balancer: host removed", "host", id, "addr", h.addr)
	return nil
}

// Host looks up a registered host
func (b *Balancer) Host(id string) (*Host, bool) {
	return b.registry.get(id)
}

// Hosts returns the registered hosts in registration order
func (b *Balancer) Hosts() []*Host {
	src := b.registry.snapshot()
	out := make([]*Host, len(src))
	copy(out, src)
	return out
}

// Workers returns the number of workers; valid indexes are [0, Workers())
func (b *Balancer) Workers() int {
	return len(b.workers)
}

// Options returns the effective options
func (b *Balancer) Options() Options {
	return b.opts
}

// Acquire returns a leased connection for the given worker. key feeds affinity
// policies and may be empty.
//
// Hosts that fail to connect are marked as problem and the next eligible host is
// tried, at most once per host. Capacity exhaustion is not failed over: the caller
// gets ErrPoolExhausted once AcquireTimeout (or ctx) runs out.
func (b *Balancer) Acquire(ctx context.Context, workerIndex int, key string) (*Slot, error) {
	start := time.Now()
	slot, err := b.acquire(ctx, workerIndex, key)
	result := "success"
	if err != nil {
		result = "error"
		metrics.AcquireErrorsTotal.WithLabelValues(acquireErrorReason(err)).Inc()
	}
	metrics.AcquireDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return slot, err
}

func (b *Balancer) acquire(ctx context.Context, workerIndex int, key string) (*Slot, error) {
	if b.closed.Load() {
		return nil, ErrBalancerClosed
	}
	if workerIndex < 0 || workerIndex >= len(b.workers) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, workerIndex)
	}
	w := b.workers[workerIndex]

	actx, cancel := context.WithTimeout(ctx, b.opts.AcquireTimeout)
	defer cancel()

	hosts := b.registry.snapshot()
	tried := make(map[*Host]bool, len(hosts))
	usable := func(h *Host) bool {
		return !tried[h] && h.eligible(time.Now(), b.opts.ProblemCooldown)
	}

	for attempt := 0; attempt < len(hosts); attempt++ {
		h := b.opts.Policy.Select(hosts, key, usable)
		if h == nil {
			break
		}
		tried[h] = true

		slot, err := b.acquireFrom(ctx, actx, w, h)
		if err == nil {
			return slot, nil
		}

		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			return nil, err
		}
		// The pool already marked the host as problem
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.HostFailoversTotal.WithLabelValues(h.id).Inc()
		logger.Debug("Balancer: failing over", "host", h.id, "worker", workerIndex, "error", cerr.Err)
	}

	return nil, ErrNoAvailableHost
}

// acquireFrom asks the worker owning the (h, w) pool for a slot and parks until it
// answers or actx ends.
func (b *Balancer) acquireFrom(ctx, actx context.Context, w *worker, h *Host) (*Slot, error) {
	deadline, _ := actx.Deadline()
	wt := newWaiter(deadline)
	if err := w.post(func() { w.acquire(h, wt) }); err != nil {
		return nil, err
	}

	select {
	case res := <-wt.reply:
		return res.slot, res.err
	case <-actx.Done():
	}

	if err := w.post(func() { w.cancel(h, wt) }); err != nil {
		// The worker stopped and will not deliver any more slots; close what arrived.
		select {
		case res := <-wt.reply:
			if res.slot != nil {
				res.slot.leased.Store(false)
				res.slot.handle.Close()
			}
		default:
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrPoolExhausted
}

// Release returns a leased slot to its pool. Equivalent to slot.Release(healthy).
func (b *Balancer) Release(slot *Slot, healthy bool) {
	slot.Release(healthy)
}

// Subscribe registers fn for connection lifecycle events. fn runs on worker
// goroutines and must not block.
func (b *Balancer) Subscribe(fn func(Event)) *Subscription {
	return b.events.subscribe(fn)
}

// MarkAvailable forces a host back into selection
func (b *Balancer) MarkAvailable(id string) error {
	h, ok := b.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	h.markAvailable(time.Now())
	return nil
}

// ProbeHost dials the host once and closes the connection. A successful probe of a
// problem host makes it available again; a failed one restarts its cooldown.
func (b *Balancer) ProbeHost(ctx context.Context, id string) error {
	h, ok := b.registry.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}

	dctx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()
	handle, err := b.opts.Transport.Dial(dctx, h.addr)
	if err != nil {
		metrics.HostProbesTotal.WithLabelValues(h.id, "failure").Inc()
		if ctx.Err() == nil {
			h.markProblem(time.Now(), err)
		}
		return &ConnectError{HostID: h.id, Addr: h.addr, Err: err}
	}
	if cerr := handle.Close(); cerr != nil {
		logger.Debug("Balancer: error closing probe connection", "host", h.id, "error", cerr)
	}

	metrics.HostProbesTotal.WithLabelValues(h.id, "success").Inc()
	h.markAvailable(time.Now())
	return nil
}

// HostStatuses reports health of every registered host
func (b *Balancer) HostStatuses() []HostStatus {
	hosts := b.registry.snapshot()
	out := make([]HostStatus, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.status())
	}
	return out
}

// PoolStats collects a snapshot of every pool by asking each worker in turn
func (b *Balancer) PoolStats(ctx context.Context) ([]PoolStats, error) {
	var all []PoolStats
	for _, w := range b.workers {
		w := w
		ch := make(chan []PoolStats, 1)
		if err := w.post(func() { ch <- w.stats() }); err != nil {
			return nil, err
		}
		select {
		case s := <-ch:
			all = append(all, s...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return all, nil
}

// HostAvailability reports, per host id, whether the host is currently eligible
// for selection. Cooldown expiry is applied lazily, as during selection.
func (b *Balancer) HostAvailability() map[string]bool {
	now := time.Now()
	hosts := b.registry.snapshot()
	out := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		out[h.id] = h.eligible(now, b.opts.ProblemCooldown)
	}
	return out
}

// MailboxDepths returns the number of pending tasks per worker
func (b *Balancer) MailboxDepths() []int64 {
	out := make([]int64, len(b.workers))
	for i, w := range b.workers {
		out[i] = w.depth()
	}
	return out
}

// Close shuts down all pools and stops the workers. Leased connections are closed
// when released. Close blocks until every worker goroutine has exited.
func (b *Balancer) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		for _, w := range b.workers {
			w := w
			if err := w.post(w.shutdown); err != nil {
				logger.Debug("Balancer: worker already stopped", "worker", w.index)
			}
		}
		for _, w := range b.workers {
			<-w.done
		}
		logger.Info("Balancer: stopped")
	})
	return nil
}

func acquireErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrNoAvailableHost):
		return "no_available_host"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ErrBalancerClosed):
		return "balancer_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
