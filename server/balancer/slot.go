package balancer

import (
	"sync/atomic"
	"time"

	"github.com/migadu/lbpool/logger"
)

// SlotState is the lifecycle state of a pooled backend connection
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotInUse
	SlotOverflowPendingClose
	SlotClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "IDLE"
	case SlotInUse:
		return "IN_USE"
	case SlotOverflowPendingClose:
		return "OVERFLOW_PENDING_CLOSE"
	case SlotClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Slot is one pooled outbound connection. A slot belongs to exactly one worker for its
// whole life; all of its mutable fields are only touched on that worker's goroutine.
type Slot struct {
	id       uint64
	pool     *hostPool
	handle   Handle
	overflow bool
	created  time.Time

	// Owned by the worker goroutine
	state        SlotState
	lastReleased time.Time
	idleDeadline time.Time
	timer        *time.Timer
	timerGen     uint64

	leased atomic.Bool
}

// ID returns the process-unique slot identifier
func (s *Slot) ID() uint64 {
	return s.id
}

// Handle returns the underlying transport handle
func (s *Slot) Handle() Handle {
	return s.handle
}

// HostID returns the identifier of the host this slot is connected to
func (s *Slot) HostID() string {
	return s.pool.host.id
}

// Addr returns the backend address this slot is connected to
func (s *Slot) Addr() string {
	return s.pool.host.addr
}

// Worker returns the index of the owning worker
func (s *Slot) Worker() int {
	return s.pool.worker.index
}

// Overflow reports whether the slot was created above the hard capacity.
// Overflow slots are closed on release instead of being pooled.
func (s *Slot) Overflow() bool {
	return s.overflow
}

// Release hands the slot back to its pool. It must be called exactly once per Acquire.
// Pass healthy=false when the connection showed a protocol error or was reset, so the
// pool discards it instead of reusing it.
func (s *Slot) Release(healthy bool) {
	if !s.leased.CompareAndSwap(true, false) {
		logger.Warn("Balancer: slot released twice", "slot", s.id, "host", s.pool.host.id)
		return
	}

	p := s.pool
	if err := p.worker.post(func() { p.release(s, healthy) }); err != nil {
		// The worker is gone, so nothing else can touch the slot anymore.
		if cerr := s.handle.Close(); cerr != nil {
			logger.Debug("Balancer: close after worker stop failed", "slot", s.id, "error", cerr)
		}
	}
}
