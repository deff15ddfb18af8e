package dsp

// Detrend returns a copy of x with its mean removed.
func Detrend(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	m := Mean(x)
	for i, v := range x {
		out[i] = v - m
	}
	return out
}

// MovingAverageDetrend subtracts a centred moving average of the given
// window from x, acting as a crude high-pass with cutoff ~1/window.
func MovingAverageDetrend(x []float64, window int) []float64 {
	out := make([]float64, len(x))
	if window < 1 {
		window = 1
	}
	half := window / 2
	for i := range x {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= len(x) {
			hi = len(x) - 1
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += x[j]
		}
		out[i] = x[i] - sum/float64(hi-lo+1)
	}
	return out
}

// BandpassFFT band-limits x to [lo, hi] Hz by zeroing spectrum bins.
// The signal is zero-padded to a power of two; the result is truncated
// back to the input length. lo <= 0 keeps DC; hi >= Nyquist keeps the top.
func BandpassFFT(x []float64, fs, lo, hi float64) []float64 {
	n := len(x)
	if n < 2 || fs <= 0 {
		out := make([]float64, n)
		copy(out, x)
		return out
	}
	m := NextPow2(n)
	re := make([]float64, m)
	im := make([]float64, m)
	copy(re, x)

	FFT(re, im)
	df := fs / float64(m)
	for k := 0; k <= m/2; k++ {
		f := float64(k) * df
		if f < lo || f > hi {
			re[k], im[k] = 0, 0
			if k > 0 && k < m/2 {
				re[m-k], im[m-k] = 0, 0
			}
		}
	}
	IFFT(re, im)

	out := make([]float64, n)
	copy(out, re[:n])
	return out
}

// LowPassFFT keeps content below cutoff Hz.
func LowPassFFT(x []float64, fs, cutoff float64) []float64 {
	return BandpassFFT(x, fs, 0, cutoff)
}

// HighPassFFT keeps content above cutoff Hz.
func HighPassFFT(x []float64, fs, cutoff float64) []float64 {
	return BandpassFFT(x, fs, cutoff, fs/2)
}
