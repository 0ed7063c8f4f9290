package conn

import "time"

// Default reconnect backoff bounds.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 20 * time.Second
)

// Backoff returns the reconnect delay for a given attempt count:
// base * 2^attempts, capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
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
