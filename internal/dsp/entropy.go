package dsp

import "math"

// BandBins extracts the PSD bins whose frequency falls inside [lo, hi] Hz,
// for feeding band-limited values into SpectralEntropy.
func BandBins(freqs, psd []float64, lo, hi float64) []float64 {
	var out []float64
	for i, f := range freqs {
		if f >= lo && f <= hi {
			out = append(out, psd[i])
		}
	}
	return out
}

// SpectralEntropy is the Shannon entropy of the normalised PSD, scaled to
// [0, 1] by the log of the bin count.
func SpectralEntropy(psd []float64) float64 {
	if len(psd) < 2 {
		return 0
	}
	var total float64
	for _, p := range psd {
		if p > 0 {
			total += p
		}
	}
	if total <= 0 {
		return 0
	}
	var h float64
	for _, p := range psd {
		if p <= 0 {
			continue
		}
		q := p / total
		h -= q * math.Log(q)
	}
	return h / math.Log(float64(len(psd)))
}

func countMatches(x []float64, m int, r float64) float64 {
	n := len(x)
	if n <= m {
		return 0
	}
	count := 0
	templates := n - m + 1
	for i := 0; i < templates; i++ {
		for j := i + 1; j < templates; j++ {
			match := true
			for k := 0; k < m; k++ {
				if math.Abs(x[i+k]-x[j+k]) > r {
					match = false
					break
				}
			}
			if match {
				count++
			}
		}
	}
	return float64(count)
}

// SampleEntropy computes SampEn(m, r) of x, the negative log of the
// conditional probability that sequences matching for m points also match
// for m+1. r is an absolute tolerance (callers typically pass 0.2*std).
func SampleEntropy(x []float64, m int, r float64) float64 {
	if len(x) < m+2 || r <= 0 {
		return 0
	}
	b := countMatches(x, m, r)
	a := countMatches(x, m+1, r)
	if a == 0 || b == 0 {
		// No matches: entropy is maximal for the sequence length.
		return math.Log(float64(len(x)-m)) + math.Log(float64(len(x)-m-1))
	}
	return -math.Log(a / b)
}

func phi(x []float64, m int, r float64) float64 {
	n := len(x)
	templates := n - m + 1
	if templates <= 0 {
		return 0
	}
	var total float64
	for i := 0; i < templates; i++ {
		count := 0
		for j := 0; j < templates; j++ {
			match := true
			for k := 0; k < m; k++ {
				if math.Abs(x[i+k]-x[j+k]) > r {
					match = false
					break
				}
			}
			if match {
				count++
			}
		}
		total += math.Log(float64(count) / float64(templates))
	}
	return total / float64(templates)
}

// ApproximateEntropy computes ApEn(m, r) of x.
func ApproximateEntropy(x []float64, m int, r float64) float64 {
	if len(x) < m+2 || r <= 0 {
		return 0
	}
	return phi(x, m, r) - phi(x, m+1, r)
}
