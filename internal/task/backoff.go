package task

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: initial * 2^(attempt-1), scaled by a random
// factor in [0.5, 1.0) and capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	// jitter returns a value in [0, 1). Defaults to rand.Float64.
	jitter func() float64
}

// Delay returns the wait before the attempt after attempt number attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := b.jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	delay := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay * (0.5 + jitter()*0.5))
}
