package frameindex

import (
	"math"
	"testing"
)

func TestResolve(t *testing.T) {
	steps := []float64{0, 10, 20, 30}
	cases := []struct {
		name   string
		target float64
		want   int
	}{
		{"below first", -5, 0},
		{"first", 0, 0},
		{"exact middle", 20, 2},
		{"between floors", 25, 2},
		{"just above first", 0.5, 0},
		{"last", 30, 3},
		{"past last", 99, 3},
		{"nan", math.NaN(), 0},
	}
	for _, tc := range cases {
		if got := Resolve(steps, tc.target); got != tc.want {
			t.Fatalf("%s: Resolve(%v)=%d want %d", tc.name, tc.target, got, tc.want)
		}
	}
}

func TestResolve_ExactMatchEveryIndex(t *testing.T) {
	steps := []float64{1, 3, 4, 8, 13, 21}
	for i, s := range steps {
		if got := Resolve(steps, s); got != i {
			t.Fatalf("Resolve(%v)=%d want %d", s, got, i)
		}
		if again := Resolve(steps, s); again != i {
			t.Fatalf("Resolve not idempotent for %v", s)
		}
	}
}

func TestResolve_Empty(t *testing.T) {
	if got := Resolve(nil, 5); got != 0 {
		t.Fatalf("empty steps: got %d", got)
	}
}

func TestResolve_DuplicatesPickEarliest(t *testing.T) {
	steps := []float64{0, 5, 5, 5, 9}
	if got := Resolve(steps, 5); got != 1 {
		t.Fatalf("duplicate match: got %d want 1", got)
	}
	if got := Resolve(steps, 7); got != 3 {
		t.Fatalf("between duplicate run and next: got %d want 3", got)
	}
}

func TestMonotonic(t *testing.T) {
	if !Monotonic([]float64{0, 0, 1, 2}) {
		t.Fatalf("non-decreasing steps reported unsorted")
	}
	if Monotonic([]float64{0, 2, 1}) {
		t.Fatalf("unsorted steps reported monotonic")
	}
	if !Monotonic(nil) {
		t.Fatalf("empty steps should be monotonic")
	}
}
