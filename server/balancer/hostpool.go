package balancer

import (
	"container/list"
	"context"
	"time"

	"github.com/migadu/lbpool/pkg/metrics"
)

type acquireResult struct {
	slot *Slot
	err  error
}

// waiter is one pending acquire. The caller parks on reply; everything else is
// worker-owned.
type waiter struct {
	reply    chan acquireResult // buffered, receives exactly one result
	deadline time.Time          // zero means no deadline

	elem      *list.Element // position in the wait list while queued
	abandoned bool          // the caller gave up
}

func newWaiter(deadline time.Time) *waiter {
	return &waiter{reply: make(chan acquireResult, 1), deadline: deadline}
}

func (wt *waiter) expired(now time.Time) bool {
	return !wt.deadline.IsZero() && !now.Before(wt.deadline)
}

// hostPool is the bounded set of connections from one worker to one host.
// Every method runs on the owning worker goroutine.
type hostPool struct {
	host    *Host
	worker  *worker
	hardCap int
	softCap int
	ttl     time.Duration

	live    int      // idle + in use + dialing
	inUse   int      // leased slots
	dialing int      // connects in flight
	idle    []*Slot  // LIFO: most recently released on top
	waiters *list.List
	closed  bool
}

func newHostPool(w *worker, h *Host) *hostPool {
	opts := w.b.opts
	return &hostPool{
		host:    h,
		worker:  w,
		hardCap: opts.ConnectionsPerThread,
		softCap: opts.SoftMaxConnectionsPerThread,
		ttl:     opts.TTL,
		waiters: list.New(),
	}
}

func (p *hostPool) acquire(wt *waiter) {
	if p.closed {
		p.deliver(wt, nil, ErrPoolClosed)
		return
	}
	if s := p.popIdle(); s != nil {
		p.checkout(s)
		p.deliver(wt, s, nil)
		return
	}
	// Queued callers go first so arrival order is kept.
	if p.waiters.Len() > 0 {
		p.enqueue(wt)
		return
	}
	if p.live < p.hardCap {
		p.connect(wt, false)
		return
	}
	if p.softCap > 0 && p.live < p.softCap {
		p.connect(wt, true)
		return
	}
	p.enqueue(wt)
}

// connect reserves capacity and dials off the worker. The result comes back as a task.
func (p *hostPool) connect(wt *waiter, overflow bool) {
	p.live++
	p.dialing++
	metrics.ConnectionsLive.WithLabelValues(p.host.id).Inc()

	w := p.worker
	transport := w.b.opts.Transport
	timeout := w.b.opts.ConnectTimeout
	addr := p.host.addr

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		handle, err := transport.Dial(ctx, addr)
		cancel()

		if perr := w.post(func() { p.connected(wt, overflow, handle, err) }); perr != nil {
			if handle != nil {
				handle.Close()
			}
			select {
			case wt.reply <- acquireResult{err: ErrBalancerClosed}:
			default:
			}
		}
	}()
}

func (p *hostPool) connected(wt *waiter, overflow bool, handle Handle, err error) {
	p.dialing--
	now := time.Now()

	if err != nil {
		p.live--
		metrics.ConnectionsLive.WithLabelValues(p.host.id).Dec()
		metrics.ConnectErrorsTotal.WithLabelValues(p.host.id).Inc()
		// The dial does not run under the caller's context, so the failure is the
		// backend's even when nobody is waiting for the result anymore.
		p.host.markProblem(now, err)
		p.deliver(wt, nil, &ConnectError{HostID: p.host.id, Addr: p.host.addr, Err: err})
		p.serveNext()
		return
	}
	p.host.markSuccess(now)

	b := p.worker.b
	s := &Slot{
		id:       b.slotSeq.Add(1),
		pool:     p,
		handle:   handle,
		overflow: overflow,
		created:  now,
	}

	if p.closed {
		s.state = SlotClosed
		p.live--
		metrics.ConnectionsLive.WithLabelValues(p.host.id).Dec()
		if cerr := handle.Close(); cerr != nil {
			p.worker.log.Debug("Balancer: close of late connection failed", "host", p.host.id, "error", cerr)
		}
		p.deliver(wt, nil, ErrPoolClosed)
		return
	}

	kind := "regular"
	if overflow {
		kind = "overflow"
	}
	metrics.ConnectionsCreatedTotal.WithLabelValues(p.host.id, kind).Inc()
	b.events.publish(Event{
		Kind:     EventCreated,
		SlotID:   s.id,
		HostID:   p.host.id,
		Addr:     p.host.addr,
		Worker:   p.worker.index,
		Overflow: overflow,
		Time:     now,
	})
	p.worker.log.Debug("Balancer: connection created", "host", p.host.id, "slot", s.id, "overflow", overflow, "live", p.live)

	p.checkout(s)
	p.deliver(wt, s, nil)
}

// release takes a slot back from a caller. Overflow and unhealthy slots are closed;
// the rest go to the next waiter or onto the idle stack.
func (p *hostPool) release(s *Slot, healthy bool) {
	if s.state == SlotClosed {
		return
	}
	p.inUse--
	p.host.active.Add(-1)

	switch {
	case p.closed:
		p.closeSlot(s, ReasonShutdown)
	case s.overflow:
		p.closeSlot(s, ReasonOverflow)
	case !healthy:
		p.closeSlot(s, ReasonUnhealthy)
	default:
		now := time.Now()
		s.state = SlotIdle
		s.lastReleased = now
		if p.ttl > 0 {
			s.idleDeadline = now.Add(p.ttl)
		}
		if wt := p.nextWaiter(now); wt != nil {
			p.checkout(s)
			p.deliver(wt, s, nil)
			return
		}
		p.pushIdle(s)
		return
	}
	p.serveNext()
}

// serveNext re-drives the head of the wait list after capacity was freed
func (p *hostPool) serveNext() {
	if p.closed {
		return
	}
	now := time.Now()
	for p.waiters.Len() > 0 {
		if s := p.popIdle(); s != nil {
			wt := p.nextWaiter(now)
			if wt == nil {
				p.pushIdle(s)
				return
			}
			p.checkout(s)
			p.deliver(wt, s, nil)
			continue
		}

		overflow := false
		switch {
		case p.live < p.hardCap:
		case p.softCap > 0 && p.live < p.softCap:
			overflow = true
		default:
			return
		}
		wt := p.nextWaiter(now)
		if wt == nil {
			return
		}
		p.connect(wt, overflow)
	}
}

// nextWaiter pops the first waiter whose deadline has not passed. Expired ones are
// failed on the way.
func (p *hostPool) nextWaiter(now time.Time) *waiter {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		wt := p.waiters.Remove(e).(*waiter)
		wt.elem = nil
		metrics.PoolWaiters.WithLabelValues(p.host.id).Dec()
		if wt.expired(now) {
			p.deliver(wt, nil, ErrPoolExhausted)
			continue
		}
		return wt
	}
	return nil
}

func (p *hostPool) enqueue(wt *waiter) {
	wt.elem = p.waiters.PushBack(wt)
	metrics.PoolWaiters.WithLabelValues(p.host.id).Inc()
}

// cancel runs when the caller stopped waiting. It must leave no trace of the waiter:
// a queued entry is unlinked, and a slot handed over in the meantime is taken back.
func (p *hostPool) cancel(wt *waiter) {
	wt.abandoned = true
	if wt.elem != nil {
		p.waiters.Remove(wt.elem)
		wt.elem = nil
		metrics.PoolWaiters.WithLabelValues(p.host.id).Dec()
	}
	select {
	case res := <-wt.reply:
		if res.slot != nil {
			res.slot.leased.Store(false)
			p.release(res.slot, true)
		}
	default:
	}
}

// deliver completes a waiter. If the caller already left, a slot goes straight back.
func (p *hostPool) deliver(wt *waiter, s *Slot, err error) {
	if wt.abandoned {
		if s != nil {
			s.leased.Store(false)
			p.release(s, true)
		}
		return
	}
	wt.reply <- acquireResult{slot: s, err: err}
}

func (p *hostPool) checkout(s *Slot) {
	p.disarm(s)
	if s.overflow {
		s.state = SlotOverflowPendingClose
	} else {
		s.state = SlotInUse
	}
	p.inUse++
	p.host.active.Add(1)
	s.leased.Store(true)
}

func (p *hostPool) pushIdle(s *Slot) {
	p.idle = append(p.idle, s)
	metrics.ConnectionsIdle.WithLabelValues(p.host.id).Inc()
	p.arm(s)
}

func (p *hostPool) popIdle() *Slot {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	metrics.ConnectionsIdle.WithLabelValues(p.host.id).Dec()
	return s
}

func (p *hostPool) removeIdle(s *Slot) bool {
	for i, x := range p.idle {
		if x == s {
			copy(p.idle[i:], p.idle[i+1:])
			p.idle[len(p.idle)-1] = nil
			p.idle = p.idle[:len(p.idle)-1]
			metrics.ConnectionsIdle.WithLabelValues(p.host.id).Dec()
			return true
		}
	}
	return false
}

func (p *hostPool) closeSlot(s *Slot, reason CloseReason) {
	p.disarm(s)
	s.state = SlotClosed
	p.live--
	metrics.ConnectionsLive.WithLabelValues(p.host.id).Dec()
	metrics.ConnectionsClosedTotal.WithLabelValues(p.host.id, string(reason)).Inc()

	if err := s.handle.Close(); err != nil {
		p.worker.log.Debug("Balancer: error closing connection", "host", p.host.id, "slot", s.id, "error", err)
	}

	p.worker.b.events.publish(Event{
		Kind:     EventClosed,
		SlotID:   s.id,
		HostID:   p.host.id,
		Addr:     p.host.addr,
		Worker:   p.worker.index,
		Overflow: s.overflow,
		Reason:   reason,
		Time:     time.Now(),
	})
	p.worker.log.Debug("Balancer: connection closed", "host", p.host.id, "slot", s.id, "reason", reason, "live", p.live)
}

// shutdown closes idle slots and fails all waiters. Leased slots are closed when
// they come back; dials in flight are closed when they complete.
func (p *hostPool) shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	for s := p.popIdle(); s != nil; s = p.popIdle() {
		p.closeSlot(s, ReasonShutdown)
	}
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		wt := p.waiters.Remove(e).(*waiter)
		wt.elem = nil
		metrics.PoolWaiters.WithLabelValues(p.host.id).Dec()
		p.deliver(wt, nil, ErrPoolClosed)
	}
}

func (p *hostPool) stats() PoolStats {
	return PoolStats{
		Worker:  p.worker.index,
		HostID:  p.host.id,
		Live:    p.live,
		Idle:    len(p.idle),
		InUse:   p.inUse,
		Dialing: p.dialing,
		Waiters: p.waiters.Len(),
		HardCap: p.hardCap,
		SoftCap: p.softCap,
		Closed:  p.closed,
	}
}
