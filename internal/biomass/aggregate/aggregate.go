package aggregate

import (
	"errors"
	"fmt"
	"math"

	"ecotwin.ai/internal/biomass/tensor"
)

// SpeciesCutoff is the largest species count that still gets one series per species.
// Above it only the total is charted so the legend stays readable.
const SpeciesCutoff = 6

// TotalName names the all-species series.
const TotalName = "Total"

// ErrUnavailable is returned when no series value is finite.
var ErrUnavailable = errors.New("biomass chart unavailable")

const totalColor = "#0f172a"

var defaultColors = []string{
	"#0f172a",
	"#2563eb",
	"#16a34a",
	"#f59e0b",
	"#ef4444",
	"#a855f7",
	"#14b8a6",
	"#f97316",
}

type Series struct {
	Name   string    `json:"name"`
	Color  string    `json:"color"`
	Values []float64 `json:"values"`
}

// Chart is what a line-chart renderer consumes.
//
// Series values are the real sums. YMin/YMax is a suggested display range: when every value
// is equal YMax is YMin+1 so renderers never divide by a zero span, and RangeWidened is set.
type Chart struct {
	Steps        []float64 `json:"steps"`
	Series       []Series  `json:"series"`
	YMin         float64   `json:"y_min"`
	YMax         float64   `json:"y_max"`
	RangeWidened bool      `json:"range_widened,omitempty"`
}

// SpeciesName returns names[i] when present and non-empty, else "Species {i+1}".
func SpeciesName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("Species %d", i+1)
}

// SpeciesColor returns the chart color for species i.
func SpeciesColor(i int) string {
	return defaultColors[(i+1)%len(defaultColors)]
}

// Aggregate sums t over the grid for every timestep in a single pass.
func Aggregate(t *tensor.Tensor, names []string) (Chart, error) {
	if t == nil || t.N <= 0 {
		return Chart{}, fmt.Errorf("%w: no tensor", ErrUnavailable)
	}
	perSpecies := t.S <= SpeciesCutoff

	totals := make([]float64, t.N)
	var species [][]float64
	if perSpecies {
		species = make([][]float64, t.S)
		for sp := range species {
			species[sp] = make([]float64, t.N)
		}
	}

	cells := t.H * t.W
	idx := 0
	for ti := 0; ti < t.N; ti++ {
		var total float64
		for c := 0; c < cells; c++ {
			for sp := 0; sp < t.S; sp++ {
				v := float64(t.Data[idx])
				idx++
				total += v
				if perSpecies {
					species[sp][ti] += v
				}
			}
		}
		totals[ti] = total
	}

	series := make([]Series, 0, 1+len(species))
	series = append(series, Series{Name: TotalName, Color: totalColor, Values: totals})
	for sp, values := range species {
		series = append(series, Series{
			Name:   SpeciesName(names, sp),
			Color:  SpeciesColor(sp),
			Values: values,
		})
	}

	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			yMin = math.Min(yMin, v)
			yMax = math.Max(yMax, v)
		}
	}
	if math.IsInf(yMin, 0) || math.IsInf(yMax, 0) {
		return Chart{}, fmt.Errorf("%w: no finite values", ErrUnavailable)
	}

	chart := Chart{
		Steps:  append([]float64(nil), t.Steps...),
		Series: series,
		YMin:   yMin,
		YMax:   yMax,
	}
	if yMin == yMax {
		chart.YMax = yMin + 1
		chart.RangeWidened = true
	}
	return chart, nil
}
