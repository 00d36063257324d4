package memgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSampleWithNoCeilingNeverTriggersPushback(t *testing.T) {
	g := New(0, 0.9, time.Minute)
	_, _, _, over := g.Sample()
	assert.False(t, over, "a zero ceiling derived from runtime.HeapSys should not spuriously trip pushback on a fresh process")
}

func TestSampleTripsOverConfiguredCeiling(t *testing.T) {
	// A 1-byte ceiling guarantees HeapAlloc (always > 0 once the runtime
	// is up) exceeds PushbackRatio * ceiling.
	g := New(1, 0.9, time.Minute)
	ratio, used, ceiling, over := g.Sample()
	assert.True(t, over)
	assert.Greater(t, used, uint64(0))
	assert.Equal(t, uint64(1), ceiling)
	assert.Greater(t, ratio, 0.9)
}

func TestShouldLogThrottles(t *testing.T) {
	g := New(1, 0.9, time.Minute)
	now := time.Now()

	assert.True(t, g.ShouldLog(now), "first log should always be allowed")
	assert.False(t, g.ShouldLog(now.Add(time.Second)), "a second log inside the throttle window is suppressed")
	assert.True(t, g.ShouldLog(now.Add(2*time.Minute)), "past the throttle window, logging resumes")
}
