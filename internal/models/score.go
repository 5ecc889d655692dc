package models

// ClampScore applies delta to score and saturates at [min, max]. Saturation
// is destructive and order-dependent: a score pinned at a bound does not bank
// the overflow, so the stored score equals the default plus the sum of deltas
// clamped at each step, not the unclamped sum. That loss is intentional.
func ClampScore(score, delta, min, max int) int {
	next := score + delta
	if next > max {
		return max
	}
	if next < min {
		return min
	}
	return next
}
