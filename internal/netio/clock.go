package netio

import "time"

// Clock supplies monotonic microseconds since an implementation-defined
// epoch. Every protocol timestamp derives from it; tests substitute a
// FakeClock to make timer behaviour deterministic.
type Clock interface {
	Now() uint64
}

// SystemClock is the process-wide monotonic clock.
var SystemClock Clock = &systemClock{epoch: time.Now()}

type systemClock struct {
	epoch time.Time
}

func (c *systemClock) Now() uint64 {
	return uint64(time.Since(c.epoch).Microseconds())
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	now uint64
}

func (c *FakeClock) Now() uint64 { return c.now }

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now += uint64(d.Microseconds())
}

// Timer fires no more often than its period. Missed ticks do not accumulate:
// firing after a long pause re-arms from the fire time, not from the schedule.
type Timer struct {
	period   uint64 // microseconds
	lastFire uint64
}

// NewTimer creates a timer armed at now.
func NewTimer(period time.Duration, now uint64) *Timer {
	return &Timer{period: uint64(period.Microseconds()), lastFire: now}
}

// Expired reports whether a full period has elapsed.
func (t *Timer) Expired(now uint64) bool {
	return now-t.lastFire >= t.period
}

// TryFire fires the timer if expired and re-arms it.
func (t *Timer) TryFire(now uint64) bool {
	if !t.Expired(now) {
		return false
	}
	t.lastFire = now
	return true
}

// Remaining returns the time until the next fire.
func (t *Timer) Remaining(now uint64) time.Duration {
	elapsed := now - t.lastFire
	if elapsed >= t.period {
		return 0
	}
	return time.Duration(t.period-elapsed) * time.Microsecond
}

// SetPeriod changes the period without disturbing the last fire time.
func (t *Timer) SetPeriod(period time.Duration) {
	t.period = uint64(period.Microseconds())
}
