package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/migadu/lbpool/config"
	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/health"
	"github.com/migadu/lbpool/pkg/metrics"
	"github.com/migadu/lbpool/server/balancer"
	"github.com/migadu/lbpool/server/httpproxy"
	"github.com/migadu/lbpool/server/statusapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// app wires the balancer to its listeners and background workers. Listeners are
// bound in newApp so that address errors surface before anything starts.
type app struct {
	cfg       config.Config
	balancer  *balancer.Balancer
	proxy     *httpproxy.Server
	status    *statusapi.Server
	checks    *health.HostChecks
	collector *metrics.Collector

	proxyLn   net.Listener
	statusLn  net.Listener
	metricsLn net.Listener
}

func newApp(cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.balancer, err = balancer.NewFromConfig(cfg.Balancer)
	if err != nil {
		return nil, fmt.Errorf("failed to create balancer: %w", err)
	}

	a.proxy, err = httpproxy.NewFromConfig(a.balancer, cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}
	if a.proxyLn, err = net.Listen("tcp", cfg.Proxy.Addr); err != nil {
		return nil, fmt.Errorf("failed to listen on proxy address %s: %w", cfg.Proxy.Addr, err)
	}

	probeInterval, err := cfg.Balancer.GetProbeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid probe_interval: %w", err)
	}
	if probeInterval > 0 {
		timeout := a.balancer.Options().ConnectTimeout
		a.checks = health.NewHostChecks(a.balancer, probeInterval, timeout)
	}

	if cfg.StatusAPI.Enabled {
		var monitor *health.HealthMonitor
		if a.checks != nil {
			monitor = a.checks.GetMonitor()
		}
		a.status, err = statusapi.NewFromConfig(a.balancer, cfg.StatusAPI, monitor)
		if err != nil {
			return nil, fmt.Errorf("failed to create status API: %w", err)
		}
		if a.statusLn, err = net.Listen("tcp", cfg.StatusAPI.Addr); err != nil {
			return nil, fmt.Errorf("failed to listen on status API address %s: %w", cfg.StatusAPI.Addr, err)
		}
	}

	if cfg.Metrics.Enabled {
		interval, ierr := cfg.Metrics.GetCollectInterval()
		if ierr != nil {
			return nil, fmt.Errorf("invalid collect_interval: %w", ierr)
		}
		a.collector = metrics.NewCollector(a.balancer, interval)
		if a.metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			return nil, fmt.Errorf("failed to listen on metrics address %s: %w", cfg.Metrics.Addr, err)
		}
	}

	return a, nil
}

// run serves until ctx is cancelled or a listener fails, then stops everything and
// closes the balancer
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.proxy.Serve(gctx, a.proxyLn); err != nil {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	})

	if a.status != nil {
		g.Go(func() error {
			return a.status.Serve(gctx, a.statusLn)
		})
	}

	if a.metricsLn != nil {
		g.Go(func() error {
			return a.serveMetrics(gctx)
		})
		g.Go(func() error {
			a.collector.Start(gctx)
			return nil
		})
	}

	if a.checks != nil {
		a.checks.Start(gctx)
	}

	err := g.Wait()
	if a.checks != nil {
		a.checks.Stop()
	}
	a.balancer.Close()
	logger.Info("lbpool stopped")
	return err
}

func (a *app) serveMetrics(ctx context.Context) error {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serveDone := make(chan struct{})
	defer close(serveDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-serveDone:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics: Error shutting down server", "error", err)
		}
	}()

	logger.Info("Metrics: Starting server", "addr", a.metricsLn.Addr().String(), "path", path)
	if err := server.Serve(a.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// close releases whatever newApp managed to set up
func (a *app) close() {
	for _, ln := range []net.Listener{a.proxyLn, a.statusLn, a.metricsLn} {
		if ln != nil {
			ln.Close()
		}
	}
	if a.balancer != nil {
		a.balancer.Close()
	}
}
