package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 200), 50},
		{strings.Repeat("x", 201), 51},
	}
	for _, c := range cases {
		if got := Estimate(c.in); got != c.want {
			t.Errorf("Estimate(%d chars) = %d, want %d", len(c.in), got, c.want)
		}
	}
}

func TestEstimateMonotonic(t *testing.T) {
	prev := 0
	for n := 0; n < 500; n++ {
		got := Estimate(strings.Repeat("y", n))
		if got < prev {
			t.Fatalf("Estimate not monotonic at %d: %d < %d", n, got, prev)
		}
		if want := (n + 3) / 4; got != want {
			t.Fatalf("Estimate(%d) = %d, want ceil = %d", n, got, want)
		}
		prev = got
	}
}
