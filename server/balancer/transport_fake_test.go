package balancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errRefused = errors.New("connection refused")

type fakeHandle struct {
	id     int64
	addr   string
	tr     *fakeTransport
	closed atomic.Bool
}

func (h *fakeHandle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.tr.open.Add(-1)
	}
	return nil
}

// fakeTransport hands out in-memory handles and counts dials per address
type fakeTransport struct {
	delay time.Duration

	mu    sync.Mutex
	fail  map[string]error
	dials map[string]int

	created atomic.Int64
	open    atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail:  make(map[string]error),
		dials: make(map[string]int),
	}
}

func (t *fakeTransport) setFail(addr string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.fail, addr)
		return
	}
	t.fail[addr] = err
}

func (t *fakeTransport) dialCount(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[addr]
}

func (t *fakeTransport) Dial(ctx context.Context, addr string) (Handle, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	t.dials[addr]++
	err := t.fail[addr]
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.open.Add(1)
	return &fakeHandle{id: t.created.Add(1), addr: addr, tr: t}, nil
}
