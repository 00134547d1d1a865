package store

import (
	"math"
	"time"
)

// Backoff strategies
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// CalculateBackoff returns the delay before the next dispatch attempt.
// attempt is the number of failed attempts so far; attempt 0 is always due
// immediately.
func CalculateBackoff(strategy string, attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var delay time.Duration
	switch strategy {
	case BackoffNone:
		delay = 0
	case BackoffFixed:
		delay = baseDelay
	case BackoffLinear:
		delay = baseDelay * time.Duration(attempt)
	default: // exponential
		// Clamp the shift so a large attempt count cannot overflow.
		exp := math.Min(float64(attempt-1), 32)
		delay = time.Duration(float64(baseDelay) * math.Pow(2, exp))
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
