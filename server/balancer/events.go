package balancer

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind distinguishes connection lifecycle events
type EventKind int

const (
	EventCreated EventKind = iota
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason says why a slot was closed
type CloseReason string

const (
	ReasonExpired   CloseReason = "expired"
	ReasonOverflow  CloseReason = "overflow"
	ReasonUnhealthy CloseReason = "unhealthy"
	ReasonShutdown  CloseReason = "shutdown"
)

// Event describes a connection being created or closed
type Event struct {
	Kind     EventKind
	SlotID   uint64
	HostID   string
	Addr     string
	Worker   int
	Overflow bool
	Reason   CloseReason // set for EventClosed only
	Time     time.Time
}

// Subscription is a registered lifecycle listener. Close unregisters it.
type Subscription struct {
	hub  *eventHub
	fn   func(Event)
	once sync.Once
}

// Close stops further deliveries. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// eventHub fans events out to subscribers. Listeners are stored as an immutable
// snapshot so publishing from worker goroutines takes no lock.
type eventHub struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]
}

func (h *eventHub) subscribe(fn func(Event)) *Subscription {
	s := &Subscription{hub: h, fn: fn}

	h.mu.Lock()
	defer h.mu.Unlock()
	var cur []*Subscription
	if p := h.subs.Load(); p != nil {
		cur = *p
	}
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	h.subs.Store(&next)
	return s
}

func (h *eventHub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.subs.Load()
	if p == nil {
		return
	}
	next := make([]*Subscription, 0, len(*p))
	for _, x := range *p {
		if x != s {
			next = append(next, x)
		}
	}
	h.subs.Store(&next)
}

// publish runs every listener synchronously on the calling goroutine
func (h *eventHub) publish(ev Event) {
	p := h.subs.Load()
	if p == nil {
		return
	}
	for _, s := range *p {
		s.fn(ev)
	}
}
