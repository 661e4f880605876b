package balancer

import (
	"log/slog"
	"strconv"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/metrics"
)

// worker owns a mailbox and every pool and slot keyed to it. Tasks run one at a time
// on the worker goroutine, so pool state needs no locking.
type worker struct {
	index   int
	label   string
	b       *Balancer
	mailbox *queue.Queue
	done    chan struct{}
	log     *slog.Logger

	// Owned by the worker goroutine
	pools   map[*Host]*hostPool
	closing bool
}

func newWorker(b *Balancer, index int) *worker {
	return &worker{
		index:   index,
		label:   strconv.Itoa(index),
		b:       b,
		mailbox: queue.New(mailboxHint),
		done:    make(chan struct{}),
		log:     logger.With("worker", index),
		pools:   make(map[*Host]*hostPool),
	}
}

// post enqueues a task for the worker goroutine. It fails once the worker has stopped.
func (w *worker) post(task func()) error {
	if err := w.mailbox.Put(task); err != nil {
		return ErrBalancerClosed
	}
	return nil
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Balancer: worker panic", "panic", r)
			w.mailbox.Dispose()
		}
	}()

	for {
		items, err := w.mailbox.Get(taskBatch)
		if err != nil {
			// Disposed
			return
		}
		for _, item := range items {
			item.(func())()
		}
	}
}

// poolFor returns the pool for h, creating it on first use
func (w *worker) poolFor(h *Host) *hostPool {
	p, ok := w.pools[h]
	if !ok {
		p = newHostPool(w, h)
		w.pools[h] = p
	}
	return p
}

func (w *worker) acquire(h *Host, wt *waiter) {
	if w.closing || h.removed.Load() {
		// A removed host may still be in a caller's snapshot; don't resurrect its pool.
		err := ErrBalancerClosed
		if !w.closing {
			err = ErrPoolClosed
		}
		wt.reply <- acquireResult{err: err}
		return
	}
	w.poolFor(h).acquire(wt)
}

func (w *worker) cancel(h *Host, wt *waiter) {
	if p, ok := w.pools[h]; ok {
		p.cancel(wt)
		return
	}
	// The pool is gone (host removed); anything delivered must be closed directly.
	wt.abandoned = true
	select {
	case res := <-wt.reply:
		if res.slot != nil {
			res.slot.leased.Store(false)
			res.slot.pool.release(res.slot, false)
		}
	default:
	}
}

// dropHost shuts down and forgets the pool for a removed host
func (w *worker) dropHost(h *Host) {
	p, ok := w.pools[h]
	if !ok {
		return
	}
	p.shutdown()
	delete(w.pools, h)
}

func (w *worker) stats() []PoolStats {
	out := make([]PoolStats, 0, len(w.pools))
	for _, p := range w.pools {
		out = append(out, p.stats())
	}
	return out
}

// shutdown closes every pool and runs whatever is still queued. Later posts fail,
// and the next Get in run returns the disposed error.
func (w *worker) shutdown() {
	w.closing = true
	for h, p := range w.pools {
		p.shutdown()
		delete(w.pools, h)
	}
	for _, item := range w.mailbox.Dispose() {
		item.(func())()
	}
	metrics.WorkerMailboxDepth.WithLabelValues(w.label).Set(0)
}

func (w *worker) depth() int64 {
	return w.mailbox.Len()
}
