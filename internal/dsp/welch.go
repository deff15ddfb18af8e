package dsp

import "math"

// DefaultSegmentLen is the Welch segment length used when the caller does
// not pick one. 256 samples gives 1 Hz resolution at the common EEG rate.
const DefaultSegmentLen = 256

func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// WelchPSD estimates the one-sided power spectral density of x sampled at
// fs using Hann-windowed segments with 50% overlap. segLen is rounded down
// to a power of two and clamped to len(x). Each segment is mean-detrended
// before windowing. Returns the frequency bins and the averaged PSD,
// both of length segLen/2+1.
func WelchPSD(x []float64, fs float64, segLen int) ([]float64, []float64) {
	if len(x) < 2 || fs <= 0 {
		return []float64{0}, []float64{0}
	}
	if segLen <= 0 || segLen > len(x) {
		segLen = len(x)
	}
	n := 1
	for n*2 <= segLen {
		n *= 2
	}
	segLen = n
	if segLen < 2 {
		return []float64{0}, []float64{0}
	}

	win := hann(segLen)
	var winPow float64
	for _, w := range win {
		winPow += w * w
	}

	step := segLen / 2
	nb := segLen/2 + 1
	psd := make([]float64, nb)
	re := make([]float64, segLen)
	im := make([]float64, segLen)

	segments := 0
	for start := 0; start+segLen <= len(x); start += step {
		var mean float64
		for i := 0; i < segLen; i++ {
			mean += x[start+i]
		}
		mean /= float64(segLen)

		for i := 0; i < segLen; i++ {
			re[i] = (x[start+i] - mean) * win[i]
			im[i] = 0
		}
		FFT(re, im)
		for k := 0; k < nb; k++ {
			p := (re[k]*re[k] + im[k]*im[k]) / (fs * winPow)
			if k > 0 && k < segLen/2 {
				p *= 2
			}
			psd[k] += p
		}
		segments++
	}
	if segments == 0 {
		return []float64{0}, []float64{0}
	}

	for k := range psd {
		psd[k] /= float64(segments)
	}
	freqs := make([]float64, nb)
	for k := range freqs {
		freqs[k] = float64(k) * fs / float64(segLen)
	}
	return freqs, psd
}

// BandPower integrates the PSD over [lo, hi] Hz inclusive.
func BandPower(freqs, psd []float64, lo, hi float64) float64 {
	if len(freqs) < 2 {
		return 0
	}
	df := freqs[1] - freqs[0]
	var p float64
	for i, f := range freqs {
		if f >= lo && f <= hi {
			p += psd[i]
		}
	}
	return p * df
}

// SpectralEdge returns the frequency below which fraction of the total
// power in [lo, hi] Hz is contained (e.g. 0.95 for SEF95).
func SpectralEdge(freqs, psd []float64, lo, hi, fraction float64) float64 {
	if len(freqs) < 2 {
		return 0
	}
	var total float64
	for i, f := range freqs {
		if f >= lo && f <= hi {
			total += psd[i]
		}
	}
	if total <= 0 {
		return lo
	}
	target := total * fraction
	var cum float64
	for i, f := range freqs {
		if f < lo || f > hi {
			continue
		}
		cum += psd[i]
		if cum >= target {
			return f
		}
	}
	return hi
}

// Coherence estimates the magnitude-squared coherence between x and y via
// Welch cross-spectra with Hann windows and 50% overlap. Returns frequency
// bins and coherence values in [0, 1].
func Coherence(x, y []float64, fs float64, segLen int) ([]float64, []float64) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 || fs <= 0 {
		return []float64{0}, []float64{0}
	}
	if segLen <= 0 || segLen > n {
		segLen = n
	}
	p := 1
	for p*2 <= segLen {
		p *= 2
	}
	segLen = p
	if segLen < 2 {
		return []float64{0}, []float64{0}
	}

	win := hann(segLen)
	step := segLen / 2
	nb := segLen/2 + 1

	pxx := make([]float64, nb)
	pyy := make([]float64, nb)
	pxyRe := make([]float64, nb)
	pxyIm := make([]float64, nb)

	xr := make([]float64, segLen)
	xi := make([]float64, segLen)
	yr := make([]float64, segLen)
	yi := make([]float64, segLen)

	segments := 0
	for start := 0; start+segLen <= n; start += step {
		var mx, my float64
		for i := 0; i < segLen; i++ {
			mx += x[start+i]
			my += y[start+i]
		}
		mx /= float64(segLen)
		my /= float64(segLen)

		for i := 0; i < segLen; i++ {
			xr[i] = (x[start+i] - mx) * win[i]
			xi[i] = 0
			yr[i] = (y[start+i] - my) * win[i]
			yi[i] = 0
		}
		FFT(xr, xi)
		FFT(yr, yi)
		for k := 0; k < nb; k++ {
			pxx[k] += xr[k]*xr[k] + xi[k]*xi[k]
			pyy[k] += yr[k]*yr[k] + yi[k]*yi[k]
			// X * conj(Y)
			pxyRe[k] += xr[k]*yr[k] + xi[k]*yi[k]
			pxyIm[k] += xi[k]*yr[k] - xr[k]*yi[k]
		}
		segments++
	}
	if segments == 0 {
		return []float64{0}, []float64{0}
	}

	coh := make([]float64, nb)
	for k := 0; k < nb; k++ {
		den := pxx[k] * pyy[k]
		if den > 0 {
			coh[k] = (pxyRe[k]*pxyRe[k] + pxyIm[k]*pxyIm[k]) / den
		}
	}
	freqs := make([]float64, nb)
	for k := range freqs {
		freqs[k] = float64(k) * fs / float64(segLen)
	}
	return freqs, coh
}

// MeanBandCoherence averages coherence over [lo, hi] Hz.
func MeanBandCoherence(freqs, coh []float64, lo, hi float64) float64 {
	var sum float64
	count := 0
	for i, f := range freqs {
		if f >= lo && f <= hi {
			sum += coh[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
