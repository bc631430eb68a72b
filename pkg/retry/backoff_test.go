package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesToCap(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0)

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.Next())
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)
}

func TestBackoff_IntervalMonotonicUntilReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.2)

	prev := b.Interval()
	for i := 0; i < 20; i++ {
		b.Next()
		cur := b.Interval()
		assert.GreaterOrEqual(t, cur, prev)
		assert.LessOrEqual(t, cur, 30*time.Second)
		prev = cur
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Interval())
}

func TestBackoff_JitterBounds(t *testing.T) {
	tests := []struct {
		name     string
		rand     float64
		expected time.Duration
	}{
		{"lowest", 0, 800 * time.Millisecond},
		{"middle", 0.5, time.Second},
		{"high", 0.75, 1100 * time.Millisecond},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := NewBackoff(time.Second, 30*time.Second, 0.2)
			b.Rand = func() float64 { return test.rand }
			assert.Equal(t, test.expected, b.Next())
		})
	}
}

func TestBackoff_JitterStaysWithinTwentyPercent(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.2)
	for i := 0; i < 50; i++ {
		base := b.Interval()
		wait := b.Next()
		assert.GreaterOrEqual(t, wait, time.Duration(float64(base)*0.8))
		assert.Less(t, wait, time.Duration(float64(base)*1.2))
	}
}

func TestBackoff_ConcurrentUse(t *testing.T) {
	b := NewBackoff(time.Millisecond, time.Second, 0.2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Next()
				if j%10 == 0 {
					b.Reset()
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, b.Interval(), time.Second)
}

func TestBackoff_JitteredWaitClampedToCap(t *testing.T) {
	b := NewBackoff(16*time.Second, 30*time.Second, 0.2)
	b.Rand = func() float64 { return 0.99 }

	// 16s plus almost 20% stays under the cap
	first := b.Next()
	assert.Greater(t, first, 19*time.Second)
	assert.Less(t, first, 30*time.Second)
	// the base is now 30s; +19.6% would overshoot
	for i := 0; i < 3; i++ {
		assert.Equal(t, 30*time.Second, b.Next())
	}
}
