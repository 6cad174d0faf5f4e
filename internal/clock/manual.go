package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual is a Clock driven by the test. Time only moves on Advance; timers
// created with After fire in deadline order once it is reached.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	fire     chan time.Time
}

// NewManual returns a Manual clock reading start (in UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After delivers the clock reading once the clock has moved d past the
// current reading. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		fire <- m.now
		return fire
	}
	m.waiters = append(m.waiters, waiter{deadline: m.now.Add(d), fire: fire})
	slices.SortStableFunc(m.waiters, func(a, b waiter) int { return a.deadline.Compare(b.deadline) })
	return fire
}

func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward by d (negative values are ignored) and
// returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(max(d, 0))
	due, _ := slices.BinarySearchFunc(m.waiters, m.now, func(w waiter, now time.Time) int {
		if w.deadline.After(now) {
			return 1
		}
		return -1
	})
	for _, w := range m.waiters[:due] {
		w.fire <- m.now
	}
	m.waiters = slices.Delete(m.waiters, 0, due)
	return m.now
}

// Pending reports how many After timers have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
