package features

import (
	"math"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/dsp"
)

const mentalWindowMs = 1000

const eps = 1e-12

// MentalState extracts the band-power and index features behind the
// focus/relaxation/stress classifier. Stateless; safe to share across
// streams.
type MentalState struct{}

func NewMentalState() *MentalState { return &MentalState{} }

func (m *MentalState) Name() string              { return "mental_state" }
func (m *MentalState) RequiredWindowMs() float64 { return mentalWindowMs }

var mentalFeatureNames = []string{
	"delta_power", "theta_power", "alpha_power", "beta_power", "gamma_power",
	"delta_rel", "theta_rel", "alpha_rel", "beta_rel", "gamma_rel",
	"beta_alpha_ratio", "theta_beta_ratio", "alpha_theta_ratio",
	"frontal_theta", "frontal_alpha_asymmetry", "alpha_asymmetry",
	"spectral_entropy", "attention_index", "relaxation_index",
	"muscle_artifacts", "hrv_decrease",
	core.FeatureSignalQuality,
}

func (m *MentalState) FeatureNames() []string { return mentalFeatureNames }

func (m *MentalState) Extract(w *core.Window) (*core.FeatureMap, error) {
	if !w.Finite() {
		return degraded(w, mentalFeatureNames), nil
	}
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)

	eeg := eegIndices(w)
	if len(eeg) == 0 {
		eeg = allIndices(w)
	}

	// Per-channel spectra feed every downstream index, so compute once.
	spectra := make(chSpectra, len(eeg))
	for _, ch := range eeg {
		f, p := dsp.WelchPSD(w.Data[ch], w.SamplingRate, dsp.DefaultSegmentLen)
		spectra[ch] = spectrum{f, p}
	}

	bands := []struct {
		name string
		b    band
	}{
		{"delta", bandDelta}, {"theta", bandTheta}, {"alpha", bandAlpha},
		{"beta", bandBeta}, {"gamma", bandGamma},
	}
	abs := make(map[string]float64, len(bands))
	var total float64
	for _, bd := range bands {
		var sum float64
		for _, ch := range eeg {
			s := spectra[ch]
			sum += dsp.BandPower(s.freqs, s.psd, bd.b.lo, bd.b.hi)
		}
		mean := sum / float64(len(eeg))
		abs[bd.name] = mean
		total += mean
		fm.Set(bd.name+"_power", mean)
	}
	for _, bd := range bands {
		fm.Set(bd.name+"_rel", abs[bd.name]/(total+eps))
	}

	alpha, beta, theta := abs["alpha"], abs["beta"], abs["theta"]
	fm.Set("beta_alpha_ratio", beta/(alpha+eps))
	fm.Set("theta_beta_ratio", theta/(beta+eps))
	fm.Set("alpha_theta_ratio", alpha/(theta+eps))
	fm.Set("attention_index", (theta+beta)/(alpha+eps))
	fm.Set("relaxation_index", alpha/(alpha+beta+eps))

	fm.Set("frontal_theta", m.frontalTheta(w, spectra))
	fm.Set("frontal_alpha_asymmetry", m.pairAsymmetry(w, spectra, "F3", "F4"))
	fm.Set("alpha_asymmetry", m.meanAsymmetry(w, spectra))

	var se float64
	for _, ch := range eeg {
		s := spectra[ch]
		se += dsp.SpectralEntropy(dsp.BandBins(s.freqs, s.psd, broadband.lo, broadband.hi))
	}
	fm.Set("spectral_entropy", se/float64(len(eeg)))

	// EMG contamination proxy: broadband high-frequency fraction.
	var hi, all float64
	for _, ch := range eeg {
		s := spectra[ch]
		hi += dsp.BandPower(s.freqs, s.psd, bandGamma.lo, bandGamma.hi)
		all += dsp.BandPower(s.freqs, s.psd, broadband.lo, broadband.hi)
	}
	fm.Set("muscle_artifacts", clamp01(hi/(all+eps)*3))

	fm.Set("hrv_decrease", m.hrvDecrease(w))
	fm.Set(core.FeatureSignalQuality, 1)
	return fm, nil
}

type spectrum struct {
	freqs, psd []float64
}

type chSpectra map[int]spectrum

func (s chSpectra) at(w *core.Window, ch int) spectrum {
	if sp, ok := s[ch]; ok {
		return sp
	}
	f, p := dsp.WelchPSD(w.Data[ch], w.SamplingRate, dsp.DefaultSegmentLen)
	sp := spectrum{f, p}
	s[ch] = sp
	return sp
}

func (m *MentalState) frontalTheta(w *core.Window, spectra chSpectra) float64 {
	rows := indicesIn(w, frontalChannels)
	if len(rows) == 0 {
		return 0
	}
	var theta, total float64
	for _, ch := range rows {
		s := spectra.at(w, ch)
		theta += dsp.BandPower(s.freqs, s.psd, bandTheta.lo, bandTheta.hi)
		total += dsp.BandPower(s.freqs, s.psd, broadband.lo, broadband.hi)
	}
	return theta / (total + eps)
}

// pairAsymmetry is ln(right alpha) - ln(left alpha), positive when the
// right hemisphere carries more alpha. Zero when either electrode is
// missing.
func (m *MentalState) pairAsymmetry(w *core.Window, spectra chSpectra, left, right string) float64 {
	li, ri := channelIndex(w, left), channelIndex(w, right)
	if li < 0 || ri < 0 {
		return 0
	}
	la := m.alphaAt(w, spectra, li)
	ra := m.alphaAt(w, spectra, ri)
	return math.Log(ra+eps) - math.Log(la+eps)
}

func (m *MentalState) meanAsymmetry(w *core.Window, spectra chSpectra) float64 {
	var sum float64
	var n int
	for _, pair := range asymmetryPairs {
		if channelIndex(w, pair[0]) < 0 || channelIndex(w, pair[1]) < 0 {
			continue
		}
		sum += m.pairAsymmetry(w, spectra, pair[0], pair[1])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (m *MentalState) alphaAt(w *core.Window, spectra chSpectra, ch int) float64 {
	s := spectra.at(w, ch)
	return dsp.BandPower(s.freqs, s.psd, bandAlpha.lo, bandAlpha.hi)
}

// hrvDecrease scores reduced heart-rate variability from an ECG channel
// when one is present. Windows too short to hold three beats score 0.
func (m *MentalState) hrvDecrease(w *core.Window) float64 {
	rows := indicesIn(w, ecgChannels)
	if len(rows) == 0 {
		return 0
	}
	x := dsp.Detrend(w.Data[rows[0]])
	sd := dsp.Std(x)
	if sd <= 0 {
		return 0
	}
	minSep := int(0.3 * w.SamplingRate)
	peaks := dsp.PeakIndices(x, 2*sd, minSep)
	if len(peaks) < 3 {
		return 0
	}
	rr := make([]float64, 0, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		rr = append(rr, float64(peaks[i]-peaks[i-1])/w.SamplingRate*1000)
	}
	var sq float64
	for i := 1; i < len(rr); i++ {
		d := rr[i] - rr[i-1]
		sq += d * d
	}
	rmssd := math.Sqrt(sq / float64(len(rr)-1))
	// RMSSD under ~20 ms reads as sympathetic dominance; 50 ms and
	// above as relaxed.
	return clamp01((50 - rmssd) / 50)
}

func allIndices(w *core.Window) []int {
	out := make([]int, len(w.Channels))
	for i := range out {
		out[i] = i
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
