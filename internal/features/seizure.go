package features

import (
	"math"
	"sync"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/dsp"
)

const seizureWindowMs = 2000

const (
	spikeSigma     = 4.0
	spikeMinSepSec = 0.02
	waveletLevels  = 6
	sampEnM        = 2
	sampEnRFactor  = 0.2
)

// Seizure extracts the ictal-signature feature set: line length, Hjorth
// parameters, Teager energy, wavelet band energies, cross-channel phase
// locking and coherence, sample entropy and spike statistics. Per-channel
// vectors are kept alongside the means so the classifier can localise a
// focus. Stateful: feature velocity compares against the previous window.
// One instance serves one stream.
type Seizure struct {
	mu   sync.Mutex
	prev map[string]float64
}

func NewSeizure() *Seizure {
	return &Seizure{prev: make(map[string]float64)}
}

func (s *Seizure) Name() string              { return "seizure" }
func (s *Seizure) RequiredWindowMs() float64 { return seizureWindowMs }

var seizureFeatureNames = []string{
	"spectral_edge_95", "line_length", "line_length_by_channel",
	"hjorth_activity", "hjorth_mobility", "hjorth_complexity",
	"nonlinear_energy", "wavelet_energies", "wavelet_entropy",
	"plv_mean", "beta_coherence", "sample_entropy",
	"spike_rate", "spike_rate_by_channel", "spike_amplitude",
	"feature_velocity",
	core.FeatureSignalQuality,
}

func (s *Seizure) FeatureNames() []string { return seizureFeatureNames }

// velocityTracked are the scalars folded into feature_velocity; fast joint
// movement of these is itself a pre-ictal indicator.
var velocityTracked = []string{
	"line_length", "hjorth_mobility", "sample_entropy",
	"spectral_edge_95", "nonlinear_energy", "plv_mean",
}

func (s *Seizure) Extract(w *core.Window) (*core.FeatureMap, error) {
	if !w.Finite() {
		return degraded(w, seizureFeatureNames), nil
	}
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)

	eeg := eegIndices(w)
	if len(eeg) == 0 {
		eeg = allIndices(w)
	}
	n := float64(len(eeg))
	samples := float64(w.SampleCount())
	seconds := w.DurationMs / 1000

	lineByCh := make([]float64, len(eeg))
	spikeByCh := make([]float64, len(eeg))
	var edge, act, mob, comp, teager, sampEn, spikeAmpSum float64
	var spikeTotal int
	waveSum := make([]float64, waveletLevels+1)

	minSep := int(spikeMinSepSec * w.SamplingRate)
	for i, ch := range eeg {
		x := w.Data[ch]

		lineByCh[i] = dsp.LineLength(x) / samples

		freqs, psd := dsp.WelchPSD(x, w.SamplingRate, dsp.DefaultSegmentLen)
		edge += dsp.SpectralEdge(freqs, psd, broadband.lo, broadband.hi, 0.95)

		a, m, c := dsp.Hjorth(x)
		act += a
		mob += m
		comp += c
		teager += dsp.NonlinearEnergy(x)

		for l, e := range dsp.WaveletEnergies(x, waveletLevels) {
			waveSum[l] += e
		}

		if sd := dsp.Std(x); sd > 0 {
			sampEn += dsp.SampleEntropy(x, sampEnM, sampEnRFactor*sd)
		}

		detr := dsp.Detrend(x)
		sd := dsp.Std(detr)
		if sd > 0 {
			abs := make([]float64, len(detr))
			for j, v := range detr {
				abs[j] = math.Abs(v)
			}
			peaks := dsp.PeakIndices(abs, spikeSigma*sd, minSep)
			spikeByCh[i] = float64(len(peaks)) / seconds
			spikeTotal += len(peaks)
			for _, p := range peaks {
				spikeAmpSum += abs[p]
			}
		}
	}

	var lineMean float64
	for _, v := range lineByCh {
		lineMean += v
	}
	lineMean /= n

	fm.Set("line_length", lineMean)
	fm.Set("line_length_by_channel", lineByCh...)
	fm.Set("spectral_edge_95", edge/n)
	fm.Set("hjorth_activity", act/n)
	fm.Set("hjorth_mobility", mob/n)
	fm.Set("hjorth_complexity", comp/n)
	fm.Set("nonlinear_energy", teager/n)
	fm.Set("sample_entropy", sampEn/n)

	var waveTotal float64
	for _, e := range waveSum {
		waveTotal += e
	}
	waveNorm := make([]float64, len(waveSum))
	for l, e := range waveSum {
		waveNorm[l] = e / (waveTotal + eps)
	}
	fm.Set("wavelet_energies", waveNorm...)
	fm.Set("wavelet_entropy", dsp.WaveletEntropy(waveSum))

	fm.Set("plv_mean", s.meanPLV(w, eeg))
	fm.Set("beta_coherence", s.meanBetaCoherence(w, eeg))

	var spikeRateMean float64
	for _, v := range spikeByCh {
		spikeRateMean += v
	}
	fm.Set("spike_rate", spikeRateMean/n)
	fm.Set("spike_rate_by_channel", spikeByCh...)
	if spikeTotal > 0 {
		fm.Set("spike_amplitude", spikeAmpSum/float64(spikeTotal))
	} else {
		fm.Set("spike_amplitude", 0)
	}

	fm.Set("feature_velocity", s.velocity(fm))
	fm.Set(core.FeatureSignalQuality, 1)
	return fm, nil
}

// meanPLV averages pairwise phase-locking of the 4-30 Hz analytic phase
// over all channel pairs.
func (s *Seizure) meanPLV(w *core.Window, eeg []int) float64 {
	if len(eeg) < 2 {
		return 0
	}
	phases := make([][]float64, len(eeg))
	for i, ch := range eeg {
		filt := dsp.BandpassFFT(w.Data[ch], w.SamplingRate, 4, 30)
		_, phase := dsp.Analytic(filt)
		phases[i] = phase
	}
	var sum float64
	var pairs int
	for i := 0; i < len(phases); i++ {
		for j := i + 1; j < len(phases); j++ {
			sum += dsp.PhaseLockingValue(phases[i], phases[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func (s *Seizure) meanBetaCoherence(w *core.Window, eeg []int) float64 {
	if len(eeg) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(eeg); i++ {
		for j := i + 1; j < len(eeg); j++ {
			freqs, coh := dsp.Coherence(w.Data[eeg[i]], w.Data[eeg[j]], w.SamplingRate, dsp.DefaultSegmentLen)
			sum += dsp.MeanBandCoherence(freqs, coh, bandBeta.lo, bandBeta.hi)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// velocity is the mean relative change of the tracked scalars since the
// previous window. The first window after start or reset scores 0.
func (s *Seizure) velocity(fm *core.FeatureMap) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum float64
	var counted int
	havePrev := len(s.prev) > 0
	for _, name := range velocityTracked {
		cur := fm.ScalarOr(name, 0)
		if havePrev {
			prev := s.prev[name]
			sum += math.Abs(cur-prev) / (math.Abs(prev) + eps)
			counted++
		}
		s.prev[name] = cur
	}
	if counted == 0 {
		return 0
	}
	v := sum / float64(counted)
	if v > 1 {
		v = 1
	}
	return v
}

// Reset clears the velocity state, e.g. across session boundaries.
func (s *Seizure) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = make(map[string]float64)
}
