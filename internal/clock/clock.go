package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Uptime measures how long a component has been running on a Clock.
type Uptime struct {
	clock   Clock
	started time.Time
}

// NewUptime starts measuring at c.Now().
func NewUptime(c Clock) *Uptime {
	if c == nil {
		c = Real{}
	}
	return &Uptime{clock: c, started: c.Now()}
}

// Started returns the instant measurement began.
func (u *Uptime) Started() time.Time {
	return u.started
}

// Elapsed returns the time since Started.
func (u *Uptime) Elapsed() time.Duration {
	return u.clock.Now().Sub(u.started)
}

// Seconds returns Elapsed truncated to whole seconds.
func (u *Uptime) Seconds() int64 {
	return int64(u.Elapsed() / time.Second)
}
