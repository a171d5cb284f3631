package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock(0)

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1_500_000_000), c.NowNanos())
	assert.Equal(t, int64(1500), NowMillis(c))

	c.Advance(-time.Second)
	assert.Equal(t, int64(1_500_000_000), c.NowNanos(), "negative advance must not move time back")

	c.Set(42)
	assert.Equal(t, int64(42), c.NowNanos())
}

func TestSystemClock_Monotonicish(t *testing.T) {
	c := NewSystemClock()
	a := c.NowNanos()
	b := c.NowNanos()
	assert.GreaterOrEqual(t, b, a)
}
