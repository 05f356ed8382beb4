// Package frameindex maps a playback step to the sampled frame that covers it.
package frameindex

import (
	"math"
	"sort"
)

// Resolve returns the index of the frame to show for target.
//
// steps must be non-decreasing. Targets before the first step clamp to 0 and targets at or
// past the last step clamp to len(steps)-1. An exact match returns the earliest matching
// index; otherwise the greatest index whose step is below target. Empty steps resolve to 0.
func Resolve(steps []float64, target float64) int {
	if len(steps) == 0 {
		return 0
	}
	last := len(steps) - 1
	if math.IsNaN(target) || target <= steps[0] {
		return 0
	}
	if target >= steps[last] {
		return last
	}
	i := sort.Search(len(steps), func(i int) bool { return steps[i] >= target })
	if i < len(steps) && steps[i] == target {
		return i
	}
	if i == 0 {
		return 0
	}
	return i - 1
}

// Monotonic reports whether steps is non-decreasing. Resolve is undefined otherwise.
func Monotonic(steps []float64) bool {
	for i := 1; i < len(steps); i++ {
		if steps[i] < steps[i-1] {
			return false
		}
	}
	return true
}
