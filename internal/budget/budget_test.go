package budget

import (
	"strings"
	"testing"
)

func TestEstimateCostFloor(t *testing.T) {
	if got := EstimateCost(""); got != BaseCost {
		t.Fatalf("empty command cost = %v, want %v", got, BaseCost)
	}
	for _, c := range []string{"x", "run tests", strings.Repeat("a", 10_000)} {
		if got := EstimateCost(c); got < BaseCost {
			t.Fatalf("cost %v below base for %q", got, c)
		}
	}
}

func TestEstimateCostMonotonic(t *testing.T) {
	prev := EstimateCost("")
	for n := 1; n <= 2048; n *= 2 {
		cur := EstimateCost(strings.Repeat("a", n))
		if cur < prev {
			t.Fatalf("cost decreased at len %d: %v < %v", n, cur, prev)
		}
		prev = cur
	}
}

func TestEstimateCostFormula(t *testing.T) {
	// 100 chars -> 0.02 + 0.000002 * 100 * 0.25
	got := EstimateCost(strings.Repeat("a", 100))
	want := 0.02 + 0.000002*100*0.25
	if got != want {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestClassifyBands(t *testing.T) {
	cases := []struct {
		used, limit float64
		want        Severity
	}{
		{0, 100, SeverityOK},
		{79.99, 100, SeverityOK},
		{80, 100, SeverityWarning}, // exact warning boundary
		{85, 100, SeverityWarning},
		{99.99, 100, SeverityWarning},
		{100, 100, SeverityExceeded}, // exact exceeded boundary
		{150, 100, SeverityExceeded},
	}
	for _, c := range cases {
		if got := Classify(c.used, c.limit); got != c.want {
			t.Errorf("Classify(%v, %v) = %v, want %v", c.used, c.limit, got, c.want)
		}
	}
}

func TestClassifyZeroLimit(t *testing.T) {
	if got := Classify(1, 0); got != SeverityExceeded {
		t.Fatalf("spend against zero limit = %v, want exceeded", got)
	}
	if got := Classify(0, 0); got != SeverityOK {
		t.Fatalf("no spend against zero limit = %v, want ok", got)
	}
}

func TestFlagged(t *testing.T) {
	if !Flagged(0.10, 0.02, 3.0) {
		t.Fatal("cost 5x over estimate with threshold 3 should flag")
	}
	if Flagged(0.05, 0.02, 3.0) {
		t.Fatal("cost within threshold should not flag")
	}
	if Flagged(1, 0, 3.0) {
		t.Fatal("zero estimate should never flag")
	}
}
