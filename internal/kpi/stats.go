package kpi

import (
	"math"
	"sort"
)

// HHI labels.
const (
	HighlyConcentrated     = "highly_concentrated"
	ModeratelyConcentrated = "moderately_concentrated"
	Unconcentrated         = "unconcentrated"
)

// Percentile returns the p-th percentile (0-100) of sorted values using
// linear interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	k := float64(n-1) * p / 100
	f := math.Floor(k)
	c := math.Ceil(k)
	if f == c {
		return sorted[int(k)]
	}
	return sorted[int(f)] + (k-f)*(sorted[int(c)]-sorted[int(f)])
}

// MeanStd returns the mean and population standard deviation.
func MeanStd(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

// HHI computes the Herfindahl-Hirschman index of the given totals on the
// 0-10000 scale. Non-positive totals are ignored.
func HHI(totals []float64) (float64, bool) {
	var sum float64
	for _, v := range totals {
		if v > 0 {
			sum += v
		}
	}
	if sum == 0 {
		return 0, false
	}
	var hhi float64
	for _, v := range totals {
		if v > 0 {
			s := v / sum
			hhi += s * s
		}
	}
	return hhi * 10000, true
}

// HHILabel classifies an index using the antitrust guideline bands.
func HHILabel(hhi float64) string {
	switch {
	case hhi > 2500:
		return HighlyConcentrated
	case hhi >= 1500:
		return ModeratelyConcentrated
	default:
		return Unconcentrated
	}
}

func sortedCopy(vals []float64) []float64 {
	out := append([]float64(nil), vals...)
	sort.Float64s(out)
	return out
}

// finite converts NaN and Inf to nil.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
