package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstYieldsOne(t *testing.T) {
	l := New(100 * time.Millisecond)
	start := time.Unix(1000, 0)

	fired := 0
	for i := 0; i < 10; i++ {
		if l.TryFire(start.Add(time.Duration(i) * 5 * time.Millisecond)) {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestLimiter_WindowMeasuredFromLastFire(t *testing.T) {
	l := New(100 * time.Millisecond)
	start := time.Unix(1000, 0)

	assert.True(t, l.TryFire(start))
	assert.False(t, l.TryFire(start.Add(60*time.Millisecond)))
	// Dropped calls do not extend the window.
	assert.True(t, l.TryFire(start.Add(100*time.Millisecond)))
	assert.False(t, l.TryFire(start.Add(199*time.Millisecond)))
	assert.True(t, l.TryFire(start.Add(200*time.Millisecond)))
}

func TestLimiter_ZeroWindow(t *testing.T) {
	l := New(0)
	now := time.Unix(1000, 0)
	assert.True(t, l.TryFire(now))
	assert.True(t, l.TryFire(now))
}
