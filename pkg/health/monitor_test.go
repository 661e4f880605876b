package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformCheck_StatusTransitions(t *testing.T) {
	hm := NewHealthMonitor()
	hm.ctx = context.Background()

	var fail atomic.Bool
	check := &HealthCheck{
		Name:     "backend",
		Critical: true,
		Check: func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("down")
			}
			return nil
		},
	}
	hm.RegisterCheck(check)

	hm.performCheck(check)
	assert.True(t, hm.IsHealthy("backend"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())

	// 1 failure out of 3 checks: degraded
	hm.performCheck(check)
	fail.Store(true)
	hm.performCheck(check)
	status, ok := hm.GetCheckStatus("backend")
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())

	// 2 out of 4: unhealthy, and critical drags overall down
	hm.performCheck(check)
	assert.True(t, hm.IsUnhealthy("backend"))
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	fail.Store(false)
	hm.performCheck(check)
	assert.True(t, hm.IsHealthy("backend"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestPerformCheck_RecoversFromPanic(t *testing.T) {
	hm := NewHealthMonitor()
	hm.ctx = context.Background()

	check := &HealthCheck{
		Name:  "panicky",
		Check: func(ctx context.Context) error { panic("boom") },
	}
	hm.RegisterCheck(check)

	assert.NotPanics(t, func() { hm.performCheck(check) })
	assert.True(t, hm.IsUnhealthy("panicky"))
	// Non-critical: overall only degrades
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestHealthMonitor_StartStop(t *testing.T) {
	hm := NewHealthMonitor()

	var runs atomic.Int32
	hm.RegisterCheck(&HealthCheck{
		Name:     "ticker",
		Interval: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	changes := make(chan ComponentStatus, 4)
	hm.AddStatusCallback(func(name string, status ComponentStatus) {
		select {
		case changes <- status:
		default:
		}
	})

	hm.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	hm.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no checks after Stop")

	select {
	case status := <-changes:
		assert.Equal(t, StatusHealthy, status)
	case <-time.After(time.Second):
		t.Fatal("expected initial status callback")
	}

	statuses := hm.GetAllStatuses()
	assert.Equal(t, StatusHealthy, statuses["ticker"])
	_, ok := hm.GetCheckStatus("missing")
	assert.False(t, ok)
}
