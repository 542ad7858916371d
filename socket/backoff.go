package socket

import (
	"math/rand"
	"time"
)

// ReconnectPolicy decides how long to wait before a reconnect attempt.
type ReconnectPolicy struct {
	// Delay is the wait before the first attempt.
	Delay time.Duration
	// MaxDelay caps the wait. Zero means Delay is used for every attempt.
	MaxDelay time.Duration
	// Multiplier grows the wait after each failed attempt.
	Multiplier float64
	// Jitter spreads the wait by ±Jitter (0..1) of its value.
	Jitter float64
	// MaxAttempts stops the loop after that many failed attempts. Zero retries forever.
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:      3 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// ConstantBackoff retries forever with a fixed wait and no jitter.
func ConstantBackoff(d time.Duration) ReconnectPolicy {
	return ReconnectPolicy{Delay: d, MaxDelay: d, Multiplier: 1}
}

// Next returns the wait before the attempt following `failed` failures.
func (p ReconnectPolicy) Next(failed int, rnd func() float64) time.Duration {
	delay := float64(p.Delay)
	limit := float64(p.MaxDelay)
	if limit <= 0 {
		limit = delay
	}
	for i := 0; i < failed && p.Multiplier > 1 && delay < limit; i++ {
		delay *= p.Multiplier
	}
	if delay > limit {
		delay = limit
	}

	if p.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += delay * p.Jitter * (2*rnd() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p ReconnectPolicy) exhausted(failed int) bool {
	return p.MaxAttempts > 0 && failed >= p.MaxAttempts
}
