package balancer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHost_ProblemCooldown(t *testing.T) {
	h := newHost("s1", "127.0.0.1:1")
	now := time.Now()
	cooldown := 10 * time.Second

	assert.True(t, h.eligible(now, cooldown))

	assert.True(t, h.markProblem(now, errors.New("connection refused")))
	assert.Equal(t, HostProblem, h.State())
	assert.False(t, h.eligible(now.Add(cooldown-time.Millisecond), cooldown))

	// Cooldown elapsed: eligible again and the state flips lazily
	assert.True(t, h.eligible(now.Add(cooldown), cooldown))
	assert.Equal(t, HostAvailable, h.State())
}

func TestHost_RepeatedFailureRestartsCooldown(t *testing.T) {
	h := newHost("s1", "127.0.0.1:1")
	start := time.Now()
	cooldown := time.Second

	assert.True(t, h.markProblem(start, errors.New("refused")))
	assert.False(t, h.markProblem(start.Add(800*time.Millisecond), errors.New("refused")))

	assert.False(t, h.eligible(start.Add(1200*time.Millisecond), cooldown))
	assert.True(t, h.eligible(start.Add(1800*time.Millisecond), cooldown))

	st := h.status()
	assert.Equal(t, 2, st.FailureCount)
	assert.Equal(t, 2, st.ConsecutiveFails)
}

func TestHost_MarkAvailable(t *testing.T) {
	h := newHost("s1", "127.0.0.1:1")
	now := time.Now()

	assert.False(t, h.markAvailable(now))

	h.markProblem(now, errors.New("refused"))
	assert.True(t, h.markAvailable(now))
	assert.Equal(t, HostAvailable, h.State())
	assert.True(t, h.eligible(now, time.Hour))

	st := h.status()
	assert.Equal(t, "AVAILABLE", st.State)
	assert.Equal(t, 0, st.ConsecutiveFails)
	assert.Equal(t, 1, st.FailureCount)
	assert.True(t, st.ProblemSince.IsZero())
}

func TestHost_RemovedIsNeverEligible(t *testing.T) {
	h := newHost("s1", "127.0.0.1:1")
	h.removed.Store(true)
	assert.False(t, h.eligible(time.Now(), 0))
}

func TestHost_ConcurrentTransitions(t *testing.T) {
	h := newHost("s1", "127.0.0.1:1")
	cooldown := 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				now := time.Now()
				switch (i + j) % 3 {
				case 0:
					h.markProblem(now, errors.New("refused"))
				case 1:
					h.eligible(now, cooldown)
				default:
					h.markSuccess(now)
				}
			}
		}(i)
	}
	wg.Wait()

	st := h.status()
	assert.Contains(t, []string{"AVAILABLE", "PROBLEM"}, st.State)
}

// A failure recorded while a cooldown check is in flight must win: the host stays out
// for a fresh cooldown instead of being reopened on the stale timestamp.
func TestHost_RenewedProblemNotReopenedByStaleCooldown(t *testing.T) {
	cooldown := time.Second
	start := time.Now()
	renewed := start.Add(cooldown)

	for i := 0; i < 500; i++ {
		h := newHost("s1", "127.0.0.1:1")
		h.markProblem(start, errors.New("refused"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.eligible(renewed, cooldown)
		}()
		go func() {
			defer wg.Done()
			h.markProblem(renewed, errors.New("refused"))
		}()
		wg.Wait()

		if !assert.Equal(t, HostProblem, h.State(), "iteration %d", i) {
			return
		}
		assert.False(t, h.eligible(renewed, cooldown))
	}
}
