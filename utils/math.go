package utils

// AbsInt returns the absolute value of n.
func AbsInt(n int) int {
	if n < 0 {
		return -1 * n
	}
	return n
}

// MinInt returns the smaller of a and b.
func MinInt(a, b int) int {
	if a > b {
		return b
	}
	return a
}

// MaxInt returns the larger of a and b.
func MaxInt(a, b int) int {
	if a < b {
		return b
	}
	return a
}
