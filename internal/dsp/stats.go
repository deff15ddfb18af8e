package dsp

import (
	"math"
	"sort"
)

// Mean of x; zero for empty input.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}

// Variance of x (population).
func Variance(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	m := Mean(x)
	var s float64
	for _, v := range x {
		d := v - m
		s += d * d
	}
	return s / float64(len(x))
}

// Std is the population standard deviation of x.
func Std(x []float64) float64 {
	return math.Sqrt(Variance(x))
}

// RMS is the root mean square amplitude of x.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s / float64(len(x)))
}

// Percentile returns the p-th percentile (0..100) by nearest-rank on a
// sorted copy of x.
func Percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	d := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		d[i-1] = x[i] - x[i-1]
	}
	return d
}

// Hjorth computes the Hjorth parameters of x: activity (variance),
// mobility and complexity.
func Hjorth(x []float64) (activity, mobility, complexity float64) {
	activity = Variance(x)
	if activity <= 0 {
		return 0, 0, 0
	}
	dx := diff(x)
	varDx := Variance(dx)
	mobility = math.Sqrt(varDx / activity)
	if varDx <= 0 {
		return activity, mobility, 0
	}
	ddx := diff(dx)
	mobilityDx := math.Sqrt(Variance(ddx) / varDx)
	if mobility > 0 {
		complexity = mobilityDx / mobility
	}
	return activity, mobility, complexity
}

// LineLength is the summed absolute first difference of x.
func LineLength(x []float64) float64 {
	var s float64
	for i := 1; i < len(x); i++ {
		s += math.Abs(x[i] - x[i-1])
	}
	return s
}

// NonlinearEnergy is the mean Teager energy E[x_t^2 - x_{t-1}*x_{t+1}].
func NonlinearEnergy(x []float64) float64 {
	if len(x) < 3 {
		return 0
	}
	var s float64
	for i := 1; i < len(x)-1; i++ {
		s += x[i]*x[i] - x[i-1]*x[i+1]
	}
	return s / float64(len(x)-2)
}

// PeakIndices returns indices of local maxima exceeding threshold with at
// least minSeparation samples between accepted peaks.
func PeakIndices(x []float64, threshold float64, minSeparation int) []int {
	var peaks []int
	last := -minSeparation - 1
	for i := 1; i < len(x)-1; i++ {
		if x[i] < threshold {
			continue
		}
		if x[i] >= x[i-1] && x[i] >= x[i+1] {
			if i-last > minSeparation {
				peaks = append(peaks, i)
				last = i
			}
		}
	}
	return peaks
}
