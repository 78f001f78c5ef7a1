package oplog

import (
	"math"
	"math/rand"
	"time"
)

// Backoff strategies
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// CalculateBackoff returns the delay before the next retry attempt.
func CalculateBackoff(strategy string, attempt, baseDelayMs, maxDelayMs int) time.Duration {
	var delayMs int

	switch strategy {
	case BackoffNone:
		delayMs = 0
	case BackoffFixed:
		delayMs = baseDelayMs
	case BackoffLinear:
		delayMs = baseDelayMs * attempt
	case BackoffExponential:
		delayMs = baseDelayMs * int(math.Pow(2, float64(attempt-1)))
	default:
		delayMs = baseDelayMs * int(math.Pow(2, float64(attempt-1)))
	}

	if maxDelayMs > 0 && delayMs > maxDelayMs {
		delayMs = maxDelayMs
	}

	return time.Duration(delayMs) * time.Millisecond
}

// JitteredBackoff applies full jitter to CalculateBackoff: a uniform random
// delay in [delay/2, delay], so retry storms from many deferred operations
// do not align on the same instant.
func JitteredBackoff(strategy string, attempt, baseDelayMs, maxDelayMs int) time.Duration {
	d := CalculateBackoff(strategy, attempt, baseDelayMs, maxDelayMs)
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
