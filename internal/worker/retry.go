package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the wait before retry number n (1-based):
//
//	min(Initial * Multiplier^(n-1) * (1 ± Jitter), Max)
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// rand returns a value in [0, 1). Replaced in tests.
	rand func() float64
}

// DefaultRetryPolicy waits a minute before the first retry and doubles up
// to fifteen minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    time.Minute,
		Max:        15 * time.Minute,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// Delay returns the wait before retry attempt n.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n <= 0 {
		n = 1
	}

	initial := p.Initial
	if initial <= 0 {
		initial = time.Minute
	}
	max := p.Max
	if max <= 0 {
		max = 15 * time.Minute
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(n-1))

	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		interval *= 1 + (r()*2-1)*p.Jitter
	}

	if interval > float64(max) {
		interval = float64(max)
	}
	return time.Duration(interval)
}
