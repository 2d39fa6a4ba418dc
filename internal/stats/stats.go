package stats

import (
	"math"
	"slices"
)

// Summary is a statistical rollup over a set of samples.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Percentile returns the p-th percentile of an ascending slice.
// An empty slice yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	index := int(math.Ceil(p*float64(n)/100)) - 1
	if index < 0 {
		index = 0
	}
	if index >= n {
		index = n - 1
	}

	return sorted[index]
}

// Sorted returns an ascending copy of values.
func Sorted(values []float64) []float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted
}

// Summarize computes a Summary without modifying values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	sorted := Sorted(values)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Summary{
		Count: len(sorted),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   Percentile(sorted, 50),
		P95:   Percentile(sorted, 95),
		P99:   Percentile(sorted, 99),
	}
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// Millis converts a duration to fractional milliseconds.
func Millis[T ~int64](d T) float64 {
	return float64(d) / 1e6
}
