// Package balancer provides backend selection and per-worker connection pooling for the proxy.
//
// Features:
//   - Per (host, worker) pools with a hard cap and an optional overflow tier
//   - FIFO wait list when a pool is at capacity
//   - Idle connection eviction after a configurable TTL
//   - Host health tracking with a problem cooldown and failover
//   - Pluggable host selection (round robin, least active, consistent hash)
//   - Connection lifecycle subscriptions
//
// # Architecture
//
//	Dispatch front → Balancer.Acquire → HostPolicy → hostPool (owned by worker W) → Transport
//
// Each worker is a goroutine draining its own mailbox. A pool and all of its slots
// belong to exactly one worker and are only mutated from that worker's goroutine;
// releases, timer expiries, dial completions and cancellations are posted to it as
// tasks. Host health is the only state shared between workers and is kept in
// atomics.
//
// Connects never run on the worker: the dial happens on a helper goroutine and its
// result is posted back. A caller that finds the pool full parks on a channel until
// a slot is handed over, the pool shuts down, or its deadline passes.
//
// # Usage
//
//	b, err := balancer.New(balancer.Options{
//		Workers:              4,
//		ConnectionsPerThread: 10,
//		TTL:                  30 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//	b.AddHost("10.0.0.1:8080", "s1")
//	b.AddHost("10.0.0.2:8080", "s2")
//
//	slot, err := b.Acquire(ctx, worker, "")
//	if err != nil {
//		// ErrNoAvailableHost, ErrPoolExhausted or ctx.Err()
//	}
//	conn := slot.Handle().(*balancer.BackendConn)
//	healthy := useConnection(conn)
//	slot.Release(healthy)
package balancer
