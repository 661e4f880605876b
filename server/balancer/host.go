package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/metrics"
)

// HostState is the health state of a backend host
type HostState int32

const (
	HostAvailable HostState = iota
	HostProblem
)

func (s HostState) String() string {
	switch s {
	case HostAvailable:
		return "AVAILABLE"
	case HostProblem:
		return "PROBLEM"
	default:
		return "UNKNOWN"
	}
}

// Host is a configured backend. Its health is shared by all workers, so the state
// lives in atomics; the bookkeeping counters are behind a mutex that is only taken
// on failure and success transitions.
type Host struct {
	id   string
	addr string

	state        atomic.Int32
	problemSince atomic.Int64 // unix nanoseconds
	active       atomic.Int64 // in-use slots across all workers
	removed      atomic.Bool

	mu               sync.Mutex
	failureCount     int
	consecutiveFails int
	lastFailure      time.Time
	lastSuccess      time.Time
}

func newHost(id, addr string) *Host {
	h := &Host{id: id, addr: addr}
	metrics.HostAvailable.WithLabelValues(id).Set(1)
	return h
}

// ID returns the host identifier
func (h *Host) ID() string {
	return h.id
}

// Addr returns the backend address
func (h *Host) Addr() string {
	return h.addr
}

// State returns the stored health state without applying cooldown recovery
func (h *Host) State() HostState {
	return HostState(h.state.Load())
}

// Active returns the number of in-use connections to this host across workers
func (h *Host) Active() int64 {
	return h.active.Load()
}

// eligible reports whether the host may be selected at now. A problem host whose
// cooldown has elapsed is flipped back to available here, so recovery needs no
// background goroutine.
func (h *Host) eligible(now time.Time, cooldown time.Duration) bool {
	if h.removed.Load() {
		return false
	}
	if HostState(h.state.Load()) == HostAvailable {
		return true
	}
	if now.Sub(time.Unix(0, h.problemSince.Load())) < cooldown {
		return false
	}

	// The flip back re-checks under mu so a failure recorded meanwhile keeps
	// the host out for a full cooldown.
	h.mu.Lock()
	if HostState(h.state.Load()) == HostAvailable {
		h.mu.Unlock()
		return true
	}
	since := time.Unix(0, h.problemSince.Load())
	if now.Sub(since) < cooldown {
		h.mu.Unlock()
		return false
	}
	h.state.Store(int32(HostAvailable))
	h.mu.Unlock()

	metrics.HostAvailable.WithLabelValues(h.id).Set(1)
	logger.Info("Balancer: host eligible again after cooldown", "host", h.id, "addr", h.addr, "problem_for", now.Sub(since).Round(time.Millisecond))
	return true
}

// markProblem records a connect failure and excludes the host from selection.
// Returns true if the host transitioned from available to problem.
func (h *Host) markProblem(now time.Time, err error) bool {
	h.mu.Lock()
	h.failureCount++
	h.consecutiveFails++
	h.lastFailure = now
	fails := h.consecutiveFails
	h.problemSince.Store(now.UnixNano())
	transitioned := h.state.Swap(int32(HostProblem)) == int32(HostAvailable)
	h.mu.Unlock()

	if transitioned {
		metrics.HostAvailable.WithLabelValues(h.id).Set(0)
		metrics.HostProblemTransitionsTotal.WithLabelValues(h.id).Inc()
		logger.Warn("Balancer: host marked as problem", "host", h.id, "addr", h.addr, "consecutive_fails", fails, "error", err)
	}
	return transitioned
}

// markSuccess records a successful connect
func (h *Host) markSuccess(now time.Time) {
	h.mu.Lock()
	h.consecutiveFails = 0
	h.lastSuccess = now
	h.mu.Unlock()
}

// markAvailable forces the host back into selection (successful probe or operator action).
// Returns true if the host was in problem state.
func (h *Host) markAvailable(now time.Time) bool {
	h.mu.Lock()
	h.consecutiveFails = 0
	h.lastSuccess = now
	recovered := h.state.Swap(int32(HostAvailable)) == int32(HostProblem)
	h.mu.Unlock()

	if recovered {
		metrics.HostAvailable.WithLabelValues(h.id).Set(1)
		logger.Info("Balancer: host recovered", "host", h.id, "addr", h.addr)
		return true
	}
	return false
}

// HostStatus is a point-in-time view of a host for external reporting
type HostStatus struct {
	ID               string    `json:"id"`
	Addr             string    `json:"addr"`
	State            string    `json:"state"`
	Active           int64     `json:"active"`
	FailureCount     int       `json:"failure_count"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ProblemSince     time.Time `json:"problem_since,omitempty"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	LastSuccess      time.Time `json:"last_success,omitempty"`
}

func (h *Host) status() HostStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := HostStatus{
		ID:               h.id,
		Addr:             h.addr,
		State:            h.State().String(),
		Active:           h.active.Load(),
		FailureCount:     h.failureCount,
		ConsecutiveFails: h.consecutiveFails,
		LastFailure:      h.lastFailure,
		LastSuccess:      h.lastSuccess,
	}
	if h.State() == HostProblem {
		st.ProblemSince = time.Unix(0, h.problemSince.Load())
	}
	return st
}
