package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/migadu/lbpool/logger"
)

// StatsProvider exposes the balancer state that is sampled rather than updated inline
type StatsProvider interface {
	// MailboxDepths returns pending tasks per worker, indexed by worker
	MailboxDepths() []int64
	// HostAvailability reports, per host ID, whether the host is currently selectable
	HostAvailability() map[string]bool
}

// Collector periodically samples gauges that have no natural update point
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	depths := c.provider.MailboxDepths()
	var total int64
	for i, d := range depths {
		WorkerMailboxDepth.WithLabelValues(strconv.Itoa(i)).Set(float64(d))
		total += d
	}

	hosts := c.provider.HostAvailability()
	available := 0
	for id, ok := range hosts {
		HostAvailable.WithLabelValues(id).Set(BoolToFloat(ok))
		if ok {
			available++
		}
	}

	logger.Debug("MetricsCollector: sampled balancer state", "workers", len(depths), "queued_tasks", total,
		"hosts", len(hosts), "available_hosts", available)
}
