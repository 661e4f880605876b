package balancer

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashRing implements consistent hashing with virtual nodes for even distribution
type hashRing struct {
	ring         map[uint64]string // hash → host ID
	sortedHashes []uint64
	virtualNodes int
	mu           sync.RWMutex
}

// newHashRing creates an empty ring.
// virtualNodes: number of virtual nodes per host (typically 150-500 for even distribution)
func newHashRing(virtualNodes int) *hashRing {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}
	return &hashRing{
		ring:         make(map[uint64]string),
		virtualNodes: virtualNodes,
	}
}

func (r *hashRing) add(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtualNodes; i++ {
		h := vnodeHash(hostID, i)
		if _, taken := r.ring[h]; taken {
			continue
		}
		r.ring[h] = hostID
		r.sortedHashes = append(r.sortedHashes, h)
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool {
		return r.sortedHashes[i] < r.sortedHashes[j]
	})
}

func (r *hashRing) remove(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.sortedHashes[:0]
	for _, h := range r.sortedHashes {
		if r.ring[h] == hostID {
			delete(r.ring, h)
			continue
		}
		kept = append(kept, h)
	}
	r.sortedHashes = kept
}

// lookup walks the ring clockwise from key and returns the first host ID accepted by ok.
// Each host is offered at most once. Returns "" if none is accepted.
func (r *hashRing) lookup(key string, ok func(id string) bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.sortedHashes)
	if n == 0 {
		return ""
	}

	h := xxhash.Sum64String(key)
	start := sort.Search(n, func(i int) bool {
		return r.sortedHashes[i] >= h
	})

	tried := make(map[string]bool)
	for i := 0; i < n; i++ {
		id := r.ring[r.sortedHashes[(start+i)%n]]
		if tried[id] {
			continue
		}
		tried[id] = true
		if ok(id) {
			return id
		}
	}
	return ""
}

// size returns the number of distinct hosts in the ring
func (r *hashRing) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, id := range r.ring {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func vnodeHash(hostID string, vnode int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(hostID)
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.Itoa(vnode))
	return d.Sum64()
}
