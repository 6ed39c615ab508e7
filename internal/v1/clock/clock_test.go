package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowNanos_Monotonic(t *testing.T) {
	c := System{}

	first := c.NowNanos()
	time.Sleep(5 * time.Millisecond)
	second := c.NowNanos()

	assert.Greater(t, second, first, "monotonic reading must advance")
	assert.GreaterOrEqual(t, second-first, int64(5*time.Millisecond), "elapsed must cover the sleep")
}

func TestSystemNowMillis_TracksWallClock(t *testing.T) {
	c := System{}

	got := c.NowMillis()
	want := time.Now().UnixMilli()

	assert.InDelta(t, want, got, 1000, "wall reading should be within a second of time.Now")
}
