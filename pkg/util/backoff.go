package util

import "time"

// Backoff computes the delay before the next attempt after a run of
// consecutive failures: base when failures == 0, otherwise
// base × 2^(failures−1), capped at max.
func Backoff(base time.Duration, failures int, max time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	shift := failures - 1
	// 避免移位溢出
	if shift > 30 {
		return max
	}
	d := base << uint(shift)
	if d <= 0 || d > max {
		return max
	}
	return d
}
