// Package tokens holds the single token approximation used across the engine.
package tokens

// Estimate returns ceil(len(s)/4). Budgets and results count with it.
func Estimate(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

