package clock

import "time"

// Backoff returns the delay before retry attempt n (1-based) using
// base * 2^(n-1), capped at max. Both the mutation outbox and the
// attachment pipeline use this same shape.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
