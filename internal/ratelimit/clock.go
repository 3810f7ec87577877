package ratelimit

import "time"

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	t time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{t: start}
}

func (c *FakeClock) Now() time.Time { return c.t }

func (c *FakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
