package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryFactor   = 2.0
	defaultRetryMaxDelay = time.Minute
)

// budget resolves the retry count for a project.
func (c RetryConfig) budget(fallback int) int {
	if c.Count != nil {
		return max(*c.Count, 0)
	}
	return max(fallback, 0)
}

// Backoff returns the delay before retry number attempt (0-based).
// delay = MinDelay * Factor^attempt, capped at MaxDelay, plus up to 25% jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if c.MinDelay <= 0 {
		return 0
	}

	factor := c.Factor
	if factor <= 0 {
		factor = defaultRetryFactor
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	delay := time.Duration(float64(c.MinDelay) * math.Pow(factor, float64(attempt)))
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}

	if c.Jitter {
		delay += time.Duration(rand.Int64N(int64(delay)/4 + 1))
	}

	return delay
}
