package upstream

import (
	"math"
	"math/rand/v2"
	"time"
)

// jitterFraction is the maximum relative deviation applied to a delay.
const jitterFraction = 0.25

// Backoff computes jittered exponential delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter returns a value in [-1, 1]. Nil uses a uniform random source.
	Jitter func() float64
}

// DefaultBackoff is 1s doubling up to 10s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
}

func uniformJitter() float64 { return rand.Float64()*2 - 1 }

// Delay returns the wait before retrying after the given 1-based attempt:
// min(Initial*Multiplier^(attempt-1), Max), then +/-25% jitter, never negative.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = uniformJitter
	}

	clamped := b.clamped(attempt)
	d := math.Round(clamped + clamped*jitterFraction*jitter())
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// clamped returns the un-jittered delay in nanoseconds.
func (b Backoff) clamped(attempt int) float64 {
	exp := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && (exp > float64(b.Max) || math.IsInf(exp, 1)) {
		return float64(b.Max)
	}
	if exp < 0 || math.IsNaN(exp) {
		return 0
	}
	return exp
}

// Delay is Backoff{initial, maxDelay, multiplier}.Delay(attempt) with random jitter.
func Delay(attempt int, initial, maxDelay time.Duration, multiplier float64) time.Duration {
	return Backoff{Initial: initial, Max: maxDelay, Multiplier: multiplier}.Delay(attempt)
}
