// Package clock abstracts the time source so that token refill and intent
// staleness can be tested without sleeps.
//
// Buckets are shared across processes, so NowNanos must come from a clock
// that all nodes agree on. SystemClock uses wall-clock Unix nanoseconds.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	NowNanos() int64
}

// SystemClock reads time.Now. Safe for concurrent use.
type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) NowNanos() int64 {
	return time.Now().UnixNano()
}

// NowMillis converts the clock reading to Unix milliseconds.
func NowMillis(c Clock) int64 {
	return c.NowNanos() / int64(time.Millisecond)
}

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(startNanos int64) *ManualClock {
	return &ManualClock{now: startNanos}
}

// NewManualClockAt starts a ManualClock at t.
func NewManualClockAt(t time.Time) *ManualClock {
	return &ManualClock{now: t.UnixNano()}
}

func (c *ManualClock) NowNanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now += int64(d)
	c.mu.Unlock()
}

func (c *ManualClock) Set(nanos int64) {
	c.mu.Lock()
	c.now = nanos
	c.mu.Unlock()
}
