package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// Backoff configures reconnection delays.
type Backoff struct {
	// InitialDelay is the delay before the first reconnection attempt.
	InitialDelay time.Duration

	// MaxDelay caps every delay, jitter included. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt. Values below 1
	// are treated as 1.
	Multiplier float64

	// MaxAttempts is the number of consecutive failed attempts after which
	// the Supervisor gives up.
	MaxAttempts int

	// Jitter spreads each delay over [0.5, 1.5) of its nominal value.
	Jitter bool
}

// DefaultBackoff returns the backoff used when configuration supplies none.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before attempt n (1-based):
// InitialDelay·Multiplier^(n-1), jittered if enabled, then capped at MaxDelay.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return time.Duration(delay)
}
