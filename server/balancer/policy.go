package balancer

import (
	"fmt"
	"sync/atomic"

	"github.com/migadu/lbpool/config"
)

// HostPolicy chooses a host for one acquire attempt. hosts is the registration order
// snapshot; usable filters out problem hosts and hosts already tried by this request.
// Select returns nil when no host is usable. Implementations must be safe for
// concurrent use by all workers.
type HostPolicy interface {
	Select(hosts []*Host, key string, usable func(*Host) bool) *Host
}

// hostSetObserver is implemented by policies that keep their own view of the host set
type hostSetObserver interface {
	HostAdded(h *Host)
	HostRemoved(h *Host)
}

// NewPolicy returns the policy registered under name
func NewPolicy(name string) (HostPolicy, error) {
	switch name {
	case "", config.PolicyRoundRobin:
		return NewRoundRobinPolicy(), nil
	case config.PolicyLeastActive:
		return NewLeastActivePolicy(), nil
	case config.PolicyConsistentHash:
		return NewConsistentHashPolicy(0), nil
	default:
		return nil, fmt.Errorf("unknown host policy %q", name)
	}
}

// RoundRobinPolicy advances the starting index on every call and returns the first
// usable host from there.
type RoundRobinPolicy struct {
	next atomic.Uint64
}

func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

func (p *RoundRobinPolicy) Select(hosts []*Host, _ string, usable func(*Host) bool) *Host {
	n := len(hosts)
	if n == 0 {
		return nil
	}
	start := int((p.next.Add(1) - 1) % uint64(n))
	for i := 0; i < n; i++ {
		h := hosts[(start+i)%n]
		if usable(h) {
			return h
		}
	}
	return nil
}

// LeastActivePolicy picks the usable host with the fewest in-use connections across
// all workers. Ties go to the first candidate after a rotating start index.
type LeastActivePolicy struct {
	next atomic.Uint64
}

func NewLeastActivePolicy() *LeastActivePolicy {
	return &LeastActivePolicy{}
}

func (p *LeastActivePolicy) Select(hosts []*Host, _ string, usable func(*Host) bool) *Host {
	n := len(hosts)
	if n == 0 {
		return nil
	}
	start := int((p.next.Add(1) - 1) % uint64(n))

	var best *Host
	var bestActive int64
	for i := 0; i < n; i++ {
		h := hosts[(start+i)%n]
		if !usable(h) {
			continue
		}
		if a := h.Active(); best == nil || a < bestActive {
			best, bestActive = h, a
		}
	}
	return best
}

// ConsistentHashPolicy routes equal keys to the same host while it stays usable and
// falls back clockwise along the ring otherwise. Requests without a key are spread
// round-robin.
type ConsistentHashPolicy struct {
	ring     *hashRing
	fallback RoundRobinPolicy
}

func NewConsistentHashPolicy(virtualNodes int) *ConsistentHashPolicy {
	return &ConsistentHashPolicy{ring: newHashRing(virtualNodes)}
}

func (p *ConsistentHashPolicy) HostAdded(h *Host) {
	p.ring.add(h.id)
}

func (p *ConsistentHashPolicy) HostRemoved(h *Host) {
	p.ring.remove(h.id)
}

func (p *ConsistentHashPolicy) Select(hosts []*Host, key string, usable func(*Host) bool) *Host {
	if key == "" {
		return p.fallback.Select(hosts, key, usable)
	}

	byID := make(map[string]*Host, len(hosts))
	for _, h := range hosts {
		byID[h.id] = h
	}
	id := p.ring.lookup(key, func(id string) bool {
		h, ok := byID[id]
		return ok && usable(h)
	})
	if id == "" {
		return nil
	}
	return byID[id]
}
