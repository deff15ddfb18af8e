package dsp

import "math"

// Daubechies-4 decomposition low-pass taps (8 coefficients, 4 vanishing
// moments). The high-pass filter is the quadrature mirror.
var db4Lo = []float64{
	-0.010597401784997278,
	0.032883011666982945,
	0.030841381835986965,
	-0.187034811718881140,
	-0.027983769416983850,
	0.630880767929590400,
	0.714846570552541500,
	0.230377813308855230,
}

var db4Hi = qmf(db4Lo)

func qmf(lo []float64) []float64 {
	n := len(lo)
	hi := make([]float64, n)
	for k := 0; k < n; k++ {
		hi[k] = lo[n-1-k]
		if k%2 == 1 {
			hi[k] = -hi[k]
		}
	}
	return hi
}

func symIndex(i, n int) int {
	// Symmetric half-point extension: ... x1 x0 | x0 x1 ... xn-1 | xn-1 ...
	if n == 1 {
		return 0
	}
	period := 2 * n
	i = ((i % period) + period) % period
	if i >= n {
		i = period - 1 - i
	}
	return i
}

func dwtStep(x []float64) (approx, detail []float64) {
	n := len(x)
	half := (n + 1) / 2
	approx = make([]float64, half)
	detail = make([]float64, half)
	flen := len(db4Lo)
	for k := 0; k < half; k++ {
		var a, d float64
		for j := 0; j < flen; j++ {
			v := x[symIndex(2*k+j-flen/2+1, n)]
			a += v * db4Lo[j]
			d += v * db4Hi[j]
		}
		approx[k] = a
		detail[k] = d
	}
	return approx, detail
}

// WaveletEnergies runs a db4 discrete wavelet decomposition of x down to
// the requested number of levels and returns the energy (sum of squared
// coefficients) of each detail band d1..dL followed by the final
// approximation band. The decomposition stops early when the signal
// becomes shorter than the filter.
func WaveletEnergies(x []float64, levels int) []float64 {
	energies := make([]float64, 0, levels+1)
	cur := x
	for l := 0; l < levels; l++ {
		if len(cur) < len(db4Lo) {
			energies = append(energies, 0)
			continue
		}
		approx, detail := dwtStep(cur)
		var e float64
		for _, v := range detail {
			e += v * v
		}
		energies = append(energies, e)
		cur = approx
	}
	var ea float64
	for _, v := range cur {
		ea += v * v
	}
	energies = append(energies, ea)
	return energies
}

// WaveletEntropy is the Shannon entropy of the normalised wavelet band
// energies, normalised to [0, 1] by log of the band count.
func WaveletEntropy(energies []float64) float64 {
	var total float64
	for _, e := range energies {
		total += e
	}
	if total <= 0 || len(energies) < 2 {
		return 0
	}
	var h float64
	for _, e := range energies {
		p := e / total
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(energies)))
}
