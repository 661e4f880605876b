package balancer

import (
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map"
)

// registry tracks configured hosts. Lookups by ID go through a sharded concurrent map;
// selection iterates an ordered copy-on-write slice so readers never lock.
type registry struct {
	byID cmap.ConcurrentMap

	mu      sync.Mutex // serializes writers of ordered
	ordered atomic.Pointer[[]*Host]
}

func newRegistry() *registry {
	r := &registry{byID: cmap.New()}
	empty := make([]*Host, 0)
	r.ordered.Store(&empty)
	return r
}

func (r *registry) add(h *Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.byID.SetIfAbsent(h.id, h) {
		return ErrHostExists
	}
	cur := *r.ordered.Load()
	next := make([]*Host, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	r.ordered.Store(&next)
	return nil
}

func (r *registry) remove(id string) (*Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byID.Pop(id)
	if !ok {
		return nil, ErrHostNotFound
	}
	h := v.(*Host)
	h.removed.Store(true)

	cur := *r.ordered.Load()
	next := make([]*Host, 0, len(cur))
	for _, x := range cur {
		if x != h {
			next = append(next, x)
		}
	}
	r.ordered.Store(&next)
	return h, nil
}

func (r *registry) get(id string) (*Host, bool) {
	v, ok := r.byID.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Host), true
}

// snapshot returns the hosts in registration order. The slice must not be modified.
func (r *registry) snapshot() []*Host {
	return *r.ordered.Load()
}

func (r *registry) len() int {
	return r.byID.Count()
}
