package aggregate

import (
	"errors"
	"math"
	"testing"

	"ecotwin.ai/internal/biomass/tensor"
)

func decode(t *testing.T, shape []float64, values []float32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.Decode(tensor.SimulationResult{Shape: shape, BiomassB64: tensor.Encode(values)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return tn
}

func pattern(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i*7)%11) + 0.25
	}
	return out
}

func TestAggregate_TotalMatchesNaiveSum(t *testing.T) {
	n, h, w, s := 4, 3, 5, 2
	vals := pattern(n * h * w * s)
	tn := decode(t, []float64{float64(n), float64(h), float64(w), float64(s)}, vals)

	chart, err := Aggregate(tn, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	total := chart.Series[0]
	if total.Name != TotalName || len(total.Values) != n {
		t.Fatalf("unexpected total series %+v", total)
	}
	for ti := 0; ti < n; ti++ {
		var want float64
		for r := 0; r < h; r++ {
			for c := 0; c < w; c++ {
				for sp := 0; sp < s; sp++ {
					want += float64(tn.At(ti, r, c, sp))
				}
			}
		}
		if math.Abs(total.Values[ti]-want) > 1e-6 {
			t.Fatalf("t=%d total=%v want %v", ti, total.Values[ti], want)
		}
	}
}

func TestAggregate_SpeciesPartitionTotal(t *testing.T) {
	n, h, w, s := 3, 2, 2, 3
	tn := decode(t, []float64{float64(n), float64(h), float64(w), float64(s)}, pattern(n*h*w*s))
	chart, err := Aggregate(tn, []string{"cod", "", "sprat"})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(chart.Series) != 1+s {
		t.Fatalf("series count=%d want %d", len(chart.Series), 1+s)
	}
	if chart.Series[1].Name != "cod" || chart.Series[2].Name != "Species 2" || chart.Series[3].Name != "sprat" {
		t.Fatalf("names: %q %q %q", chart.Series[1].Name, chart.Series[2].Name, chart.Series[3].Name)
	}
	if chart.Series[0].Color != "#0f172a" || chart.Series[1].Color != "#2563eb" {
		t.Fatalf("colors: %q %q", chart.Series[0].Color, chart.Series[1].Color)
	}
	for ti := 0; ti < n; ti++ {
		var sum float64
		for _, sp := range chart.Series[1:] {
			sum += sp.Values[ti]
		}
		if math.Abs(sum-chart.Series[0].Values[ti]) > 1e-6 {
			t.Fatalf("t=%d species sum %v != total %v", ti, sum, chart.Series[0].Values[ti])
		}
	}
}

func TestAggregate_AboveCutoffOnlyTotal(t *testing.T) {
	s := SpeciesCutoff + 1
	tn := decode(t, []float64{2, 1, 1, float64(s)}, pattern(2*s))
	chart, err := Aggregate(tn, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(chart.Series) != 1 {
		t.Fatalf("expected only total, got %d series", len(chart.Series))
	}
}

func TestAggregate_FlatDataWidensDisplayRangeOnly(t *testing.T) {
	vals := []float32{0, 0, 0, 0}
	tn := decode(t, []float64{2, 1, 1, 2}, vals)
	chart, err := Aggregate(tn, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !chart.RangeWidened || chart.YMin != 0 || chart.YMax != 1 {
		t.Fatalf("range=%v..%v widened=%v", chart.YMin, chart.YMax, chart.RangeWidened)
	}
	for _, s := range chart.Series {
		for _, v := range s.Values {
			if v != 0 {
				t.Fatalf("values must stay real, got %v", s.Values)
			}
		}
	}
}

func TestAggregate_NoFiniteValues(t *testing.T) {
	nan := float32(math.NaN())
	tn := decode(t, []float64{1, 1, 1, 2}, []float32{nan, nan})
	if _, err := Aggregate(tn, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAggregate_EndToEndTotals(t *testing.T) {
	vals := []float32{
		// t0: A dominates
		5, 1, 4, 1, 6, 2, 3, 0,
		// t1: B dominates
		1, 5, 0, 4, 2, 6, 1, 3,
	}
	tn := decode(t, []float64{2, 2, 2, 2}, vals)
	chart, err := Aggregate(tn, []string{"A", "B"})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got := len(chart.Series[0].Values); got != 2 {
		t.Fatalf("total entries=%d want 2", got)
	}
	if chart.Series[0].Values[0] != 22 || chart.Series[0].Values[1] != 22 {
		t.Fatalf("totals=%v", chart.Series[0].Values)
	}
	if chart.Series[1].Values[0] != 18 || chart.Series[2].Values[1] != 18 {
		t.Fatalf("species sums %v %v", chart.Series[1].Values, chart.Series[2].Values)
	}
}
