package health

import (
	"context"
	"time"

	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/server/balancer"
)

// HostProber is the part of the balancer the probe checks need
type HostProber interface {
	Host(id string) (*balancer.Host, bool)
	Hosts() []*balancer.Host
	ProbeHost(ctx context.Context, id string) error
}

// HostChecks probes backend hosts that are excluded from selection and puts them
// back as soon as a probe connects. Available hosts are left alone, so the probe
// never adds load to a healthy backend.
type HostChecks struct {
	monitor  *HealthMonitor
	prober   HostProber
	interval time.Duration
	timeout  time.Duration
}

// NewHostChecks registers one check per configured host on a fresh monitor
func NewHostChecks(prober HostProber, interval, timeout time.Duration) *HostChecks {
	hc := &HostChecks{
		monitor:  NewHealthMonitor(),
		prober:   prober,
		interval: interval,
		timeout:  timeout,
	}
	for _, h := range prober.Hosts() {
		hc.monitor.RegisterCheck(hc.checkFor(h.ID()))
	}
	return hc
}

// CheckName returns the check name used for a host
func CheckName(hostID string) string {
	return "host:" + hostID
}

func (hc *HostChecks) checkFor(id string) *HealthCheck {
	return &HealthCheck{
		Name:     CheckName(id),
		Interval: hc.interval,
		Timeout:  hc.timeout,
		Check: func(ctx context.Context) error {
			return hc.probe(ctx, id)
		},
	}
}

func (hc *HostChecks) probe(ctx context.Context, id string) error {
	h, ok := hc.prober.Host(id)
	if !ok {
		// Removed at runtime; nothing left to probe.
		return nil
	}
	if h.State() != balancer.HostProblem {
		return nil
	}
	if err := hc.prober.ProbeHost(ctx, id); err != nil {
		return err
	}
	logger.Info("Health: probe succeeded, host back in rotation", "host", id, "addr", h.Addr())
	return nil
}

func (hc *HostChecks) Start(ctx context.Context) {
	hc.monitor.Start(ctx)
}

func (hc *HostChecks) Stop() {
	hc.monitor.Stop()
}

func (hc *HostChecks) GetMonitor() *HealthMonitor {
	return hc.monitor
}
