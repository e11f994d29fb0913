package clock

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(base)
	assert.Equal(t, c.Now(), base)

	c.Advance(5 * time.Minute)
	assert.Equal(t, c.Now(), base.Add(5*time.Minute))

	later := base.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, c.Now(), later)
}

func TestSystemClockMonotonic(t *testing.T) {
	var c SystemClock
	a := c.Now()
	b := c.Now()
	assert.Assert(t, !b.Before(a))
}
