package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := New(Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2})

	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := New(Config{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2, JitterPercent: 0.25})
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestSetInitial(t *testing.T) {
	b := New(Config{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 2})
	b.SetInitial(10 * time.Second)
	assert.Equal(t, 10*time.Second, b.Next())
	assert.Equal(t, 10*time.Second, b.Next(), "max follows the announced delay")

	b.SetInitial(0)
	assert.Equal(t, 10*time.Second, b.Next())
}
