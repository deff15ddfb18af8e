package dsp

import "math"

// Analytic computes the analytic signal of x via the Hilbert transform
// and returns the instantaneous envelope and phase. x is zero-padded to a
// power of two internally; outputs match the input length.
func Analytic(x []float64) (env, phase []float64) {
	n := len(x)
	env = make([]float64, n)
	phase = make([]float64, n)
	if n < 2 {
		for i, v := range x {
			env[i] = math.Abs(v)
		}
		return env, phase
	}

	m := NextPow2(n)
	re := make([]float64, m)
	im := make([]float64, m)
	copy(re, x)

	FFT(re, im)
	// Analytic spectrum: double positive frequencies, zero negatives,
	// keep DC and Nyquist.
	for k := 1; k < m/2; k++ {
		re[k] *= 2
		im[k] *= 2
	}
	for k := m/2 + 1; k < m; k++ {
		re[k], im[k] = 0, 0
	}
	IFFT(re, im)

	for i := 0; i < n; i++ {
		env[i] = math.Hypot(re[i], im[i])
		phase[i] = math.Atan2(im[i], re[i])
	}
	return env, phase
}

// PhaseLockingValue measures the phase synchrony of two instantaneous
// phase series as |mean(exp(i(p1-p2)))|, in [0, 1].
func PhaseLockingValue(p1, p2 []float64) float64 {
	n := len(p1)
	if len(p2) < n {
		n = len(p2)
	}
	if n == 0 {
		return 0
	}
	var sumCos, sumSin float64
	for i := 0; i < n; i++ {
		d := p1[i] - p2[i]
		sumCos += math.Cos(d)
		sumSin += math.Sin(d)
	}
	return math.Hypot(sumCos, sumSin) / float64(n)
}
