package dsp

import (
	"math"
	"sync"
)

// fftPlan caches the twiddle factors and bit-reversal permutation for one
// transform size. Plans are shared across goroutines; the tables are
// read-only after construction.
type fftPlan struct {
	n    int
	cos  []float64
	sin  []float64
	rev  []int
	bits int
}

var (
	planMu    sync.Mutex
	planCache = map[int]*fftPlan{}
)

func planFor(n int) *fftPlan {
	planMu.Lock()
	defer planMu.Unlock()
	if p, ok := planCache[n]; ok {
		return p
	}
	p := newPlan(n)
	planCache[n] = p
	return p
}

func newPlan(n int) *fftPlan {
	bits := 0
	for 1<<bits < n {
		bits++
	}
	p := &fftPlan{
		n:    n,
		cos:  make([]float64, n/2),
		sin:  make([]float64, n/2),
		rev:  make([]int, n),
		bits: bits,
	}
	for i := 0; i < n/2; i++ {
		ang := -2 * math.Pi * float64(i) / float64(n)
		p.cos[i] = math.Cos(ang)
		p.sin[i] = math.Sin(ang)
	}
	for i := 0; i < n; i++ {
		r := 0
		for b := 0; b < bits; b++ {
			if i&(1<<uint(b)) != 0 {
				r |= 1 << uint(bits-1-b)
			}
		}
		p.rev[i] = r
	}
	return p
}

// NextPow2 returns the smallest power of two >= n (minimum 1).
func NextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// FFT computes the in-place radix-2 transform of the complex sequence
// (re, im). The length must be a power of two.
func FFT(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}
	p := planFor(n)

	for i := 0; i < n; i++ {
		j := p.rev[i]
		if j > i {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := n / size
		for start := 0; start < n; start += size {
			k := 0
			for off := 0; off < half; off++ {
				c, s := p.cos[k], p.sin[k]
				xr := re[start+off+half]
				xi := im[start+off+half]
				tr := xr*c - xi*s
				ti := xr*s + xi*c
				re[start+off+half] = re[start+off] - tr
				im[start+off+half] = im[start+off] - ti
				re[start+off] += tr
				im[start+off] += ti
				k += step
			}
		}
	}
}

// IFFT computes the in-place inverse transform of (re, im).
func IFFT(re, im []float64) {
	n := len(re)
	if n < 2 {
		return
	}
	for i := range im {
		im[i] = -im[i]
	}
	FFT(re, im)
	scale := 1.0 / float64(n)
	for i := range re {
		re[i] *= scale
		im[i] = -im[i] * scale
	}
}
