package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Initial: time.Minute, Max: 15 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute},
		{12, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := RetryPolicy{Initial: time.Minute, Max: 15 * time.Minute, Multiplier: 2, Jitter: 0.1}

	p.rand = func() float64 { return 0 }
	assert.InDelta(t, float64(54*time.Second), float64(p.Delay(1)), float64(time.Millisecond))

	p.rand = func() float64 { return 0.5 }
	assert.InDelta(t, float64(time.Minute), float64(p.Delay(1)), float64(time.Millisecond))

	p.rand = func() float64 { return 0.999999 }
	assert.LessOrEqual(t, p.Delay(10), 15*time.Minute, "jitter never exceeds the cap")
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 54*time.Second)
		assert.LessOrEqual(t, d, 66*time.Second)
	}
}
