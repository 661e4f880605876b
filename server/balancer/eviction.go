package balancer

import (
	"time"
)

// arm schedules eviction of an idle slot at its idle deadline. The timer only posts a
// task; the slot is inspected and closed on the owning worker.
func (p *hostPool) arm(s *Slot) {
	if p.ttl <= 0 {
		return
	}
	p.armAfter(s, time.Until(s.idleDeadline))
}

func (p *hostPool) armAfter(s *Slot, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	w := p.worker
	s.timer = time.AfterFunc(d, func() {
		// A failed post means the worker stopped and already closed its idle slots.
		_ = w.post(func() { p.evict(s, gen) })
	})
}

// disarm cancels a pending eviction. A timer that already fired is neutralised by
// the generation bump.
func (p *hostPool) disarm(s *Slot) {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// evict closes s if it is still idle and its deadline has passed. Stale and early
// fires are tolerated.
func (p *hostPool) evict(s *Slot, gen uint64) {
	if gen != s.timerGen || s.state != SlotIdle {
		return
	}
	now := time.Now()
	if remaining := s.idleDeadline.Sub(now); remaining > 0 {
		p.armAfter(s, remaining)
		return
	}
	if !p.removeIdle(s) {
		return
	}
	p.closeSlot(s, ReasonExpired)
	p.serveNext()
}
