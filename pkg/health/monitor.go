package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/lbpool/logger"
	"github.com/migadu/lbpool/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health
	Enabled  bool

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

type HealthMonitor struct {
	checks          map[string]*HealthCheck
	mu              sync.RWMutex
	overallStatus   ComponentStatus
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy
	check.Enabled = true

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// Start launches one goroutine per enabled check. The first check runs after one interval.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		if check.Enabled {
			hm.wg.Add(1)
			go hm.runHealthCheck(check)
		}
	}
}

// Stop cancels all checks and waits for their goroutines to exit
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	defer hm.wg.Done()

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: started monitoring", "check", check.Name, "interval", check.Interval)

	for {
		select {
		case <-hm.ctx.Done():
			logger.Debug("Health: monitoring stopped", "check", check.Name)
			return
		case <-ticker.C:
			hm.performCheck(check)
		}
	}
}

func (hm *HealthMonitor) performCheck(check *HealthCheck) {
	// A panicking check marks the component unhealthy instead of killing the monitor
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: panic during check", "check", check.Name, "error", err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			hm.notifyStatusChange(check.Name, StatusUnhealthy)
			hm.updateOverallStatus()
		}
	}()

	ctx, cancel := context.WithTimeout(hm.ctx, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	isFirstCheck := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		failureRate := float64(check.FailCount) / float64(check.CheckCount)

		// A high failure rate means unhealthy; an occasional failure only degrades.
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warn("Health: check failed", "check", check.Name, "error", err, "status", check.Status, "failure_rate", failureRate)
	} else {
		check.LastError = nil
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(currentStatus)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(currentStatus))

	if previousStatus != currentStatus || isFirstCheck {
		if isFirstCheck {
			logger.Info("Health: check initialized", "check", check.Name, "status", currentStatus)
		} else {
			logger.Info("Health: check status changed", "check", check.Name, "from", previousStatus, "to", currentStatus)
		}
		hm.notifyStatusChange(check.Name, currentStatus)
	}

	hm.updateOverallStatus()
}

// statusValue maps a status onto the gauge scale (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)
func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := make([]func(string, ComponentStatus), len(hm.statusCallbacks))
	copy(callbacks, hm.statusCallbacks)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalUnhealthy = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus
	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.Status, true
}

func (hm *HealthMonitor) GetAllStatuses() map[string]ComponentStatus {
	hm.mu.RLock()
	checks := make(map[string]*HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		checks[name] = check
	}
	hm.mu.RUnlock()

	statuses := make(map[string]ComponentStatus, len(checks))
	for name, check := range checks {
		check.mu.RLock()
		statuses[name] = check.Status
		check.mu.RUnlock()
	}
	return statuses
}

func (hm *HealthMonitor) IsHealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && status == StatusHealthy
}

func (hm *HealthMonitor) IsUnhealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && (status == StatusUnhealthy || status == StatusUnreachable)
}
