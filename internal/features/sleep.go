package features

import (
	"math"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/dsp"
)

const sleepWindowMs = 30000

// Sleep extracts AASM-style epoch features: band fractions, spindle and
// K-complex events, slow-wave morphology, EOG movement rates and chin
// EMG tone. One 30 s window is one scoring epoch.
type Sleep struct{}

func NewSleep() *Sleep { return &Sleep{} }

func (s *Sleep) Name() string              { return "sleep_stage" }
func (s *Sleep) RequiredWindowMs() float64 { return sleepWindowMs }

var sleepFeatureNames = []string{
	"delta_rel", "theta_rel", "alpha_rel", "sigma_rel", "beta_rel",
	"spindle_density", "k_complex_count", "vertex_wave_count",
	"slow_wave_fraction", "slow_wave_amplitude",
	"rem_density", "sem_ratio", "eog_present",
	"emg_rms", "emg_atonia", "emg_present",
	"spectral_edge_95", "hjorth_mobility", "hjorth_complexity",
	core.FeatureSignalQuality,
}

func (s *Sleep) FeatureNames() []string { return sleepFeatureNames }

func (s *Sleep) Extract(w *core.Window) (*core.FeatureMap, error) {
	if !w.Finite() {
		return degraded(w, sleepFeatureNames), nil
	}
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)

	eeg := eegIndices(w)
	if len(eeg) == 0 {
		eeg = allIndices(w)
	}

	bandNames := []struct {
		name string
		b    band
	}{
		{"delta", bandDelta}, {"theta", bandTheta}, {"alpha", bandAlpha},
		{"sigma", bandSigma}, {"beta", bandBeta},
	}
	sums := make(map[string]float64, len(bandNames))
	var total, edge, mobility, complexity float64
	for _, ch := range eeg {
		freqs, psd := dsp.WelchPSD(w.Data[ch], w.SamplingRate, dsp.DefaultSegmentLen)
		for _, bn := range bandNames {
			sums[bn.name] += dsp.BandPower(freqs, psd, bn.b.lo, bn.b.hi)
		}
		total += dsp.BandPower(freqs, psd, broadband.lo, broadband.hi)
		edge += dsp.SpectralEdge(freqs, psd, broadband.lo, broadband.hi, 0.95)
		_, mob, comp := dsp.Hjorth(w.Data[ch])
		mobility += mob
		complexity += comp
	}
	n := float64(len(eeg))
	for _, bn := range bandNames {
		fm.Set(bn.name+"_rel", sums[bn.name]/(total+eps))
	}
	fm.Set("spectral_edge_95", edge/n)
	fm.Set("hjorth_mobility", mobility/n)
	fm.Set("hjorth_complexity", complexity/n)

	fm.Set("spindle_density", s.spindleDensity(w, eeg))
	fm.Set("k_complex_count", s.kComplexCount(w, eeg))
	fm.Set("vertex_wave_count", s.vertexWaveCount(w))

	frac, amp := s.slowWaves(w, eeg)
	fm.Set("slow_wave_fraction", frac)
	fm.Set("slow_wave_amplitude", amp)

	eog := indicesIn(w, eogChannels)
	if len(eog) > 0 {
		fm.Set("eog_present", 1)
		fm.Set("rem_density", s.remDensity(w, eog))
		fm.Set("sem_ratio", s.semRatio(w, eog))
	} else {
		fm.Set("eog_present", 0)
		fm.Set("rem_density", 0)
		fm.Set("sem_ratio", 0)
	}

	emg := indicesIn(w, emgChannels)
	if len(emg) > 0 {
		rms := dsp.RMS(dsp.Detrend(w.Data[emg[0]]))
		fm.Set("emg_present", 1)
		fm.Set("emg_rms", rms)
		// Chin tone under ~5 uV RMS reads as REM atonia.
		fm.Set("emg_atonia", clamp01(1-rms/10))
	} else {
		fm.Set("emg_present", 0)
		fm.Set("emg_rms", 0)
		fm.Set("emg_atonia", 0.5)
	}

	fm.Set(core.FeatureSignalQuality, 1)
	return fm, nil
}

// spindleDensity counts 11-15 Hz envelope bursts lasting 0.5-2 s, as
// events per minute averaged over EEG channels.
func (s *Sleep) spindleDensity(w *core.Window, eeg []int) float64 {
	minLen := int(0.5 * w.SamplingRate)
	maxLen := int(2.0 * w.SamplingRate)
	minutes := w.DurationMs / 60000
	if minutes <= 0 {
		return 0
	}
	var events int
	for _, ch := range eeg {
		filt := dsp.BandpassFFT(w.Data[ch], w.SamplingRate, bandSigma.lo, bandSigma.hi)
		env, _ := dsp.Analytic(filt)
		thr := dsp.Percentile(env, 85)
		if thr <= 0 {
			continue
		}
		run := 0
		for i := 0; i <= len(env); i++ {
			if i < len(env) && env[i] > thr {
				run++
				continue
			}
			if run >= minLen && run <= maxLen {
				events++
			}
			run = 0
		}
	}
	return float64(events) / float64(len(eeg)) / minutes
}

// kComplexCount finds biphasic deflections on the low-passed trace: a
// trough below -2.5 sigma answered by a peak above +1 sigma within one
// second.
func (s *Sleep) kComplexCount(w *core.Window, eeg []int) float64 {
	span := int(w.SamplingRate)
	var count int
	for _, ch := range eeg {
		lp := dsp.LowPassFFT(w.Data[ch], w.SamplingRate, 10)
		sd := dsp.Std(lp)
		if sd <= 0 {
			continue
		}
		for i := 0; i < len(lp); i++ {
			if lp[i] > -2.5*sd {
				continue
			}
			end := i + span
			if end > len(lp) {
				end = len(lp)
			}
			for j := i + 1; j < end; j++ {
				if lp[j] >= 1.0*sd {
					count++
					i = j
					break
				}
			}
		}
	}
	return float64(count) / float64(len(eeg))
}

// vertexWaveCount counts sharp 2-8 Hz transients on midline central
// channels, one of the N1 markers.
func (s *Sleep) vertexWaveCount(w *core.Window) float64 {
	rows := indicesIn(w, centralChannels)
	if len(rows) == 0 {
		return 0
	}
	minSep := int(0.5 * w.SamplingRate)
	var count int
	for _, ch := range rows {
		filt := dsp.BandpassFFT(w.Data[ch], w.SamplingRate, 2, 8)
		sd := dsp.Std(filt)
		if sd <= 0 {
			continue
		}
		abs := make([]float64, len(filt))
		for i, v := range filt {
			abs[i] = math.Abs(v)
		}
		count += len(dsp.PeakIndices(abs, 3*sd, minSep))
	}
	return float64(count) / float64(len(rows))
}

// slowWaves measures 0.5-2 Hz waves with peak-to-peak amplitude of at
// least 75 uV: the fraction of the epoch they cover and their mean
// amplitude.
func (s *Sleep) slowWaves(w *core.Window, eeg []int) (fraction, amplitude float64) {
	const minAmp = 75.0
	total := float64(w.SampleCount()) * float64(len(eeg))
	if total == 0 {
		return 0, 0
	}
	var covered float64
	var ampSum float64
	var waves int
	for _, ch := range eeg {
		filt := dsp.BandpassFFT(w.Data[ch], w.SamplingRate, 0.5, 2)
		crossings := zeroCrossings(filt)
		for i := 0; i+2 < len(crossings); i += 2 {
			start, end := crossings[i], crossings[i+2]
			lo, hi := filt[start], filt[start]
			for j := start; j < end; j++ {
				if filt[j] < lo {
					lo = filt[j]
				}
				if filt[j] > hi {
					hi = filt[j]
				}
			}
			p2p := hi - lo
			dur := float64(end-start) / w.SamplingRate
			if p2p >= minAmp && dur >= 0.4 && dur <= 2.4 {
				covered += float64(end - start)
				ampSum += p2p
				waves++
			}
		}
	}
	fraction = covered / total
	if waves > 0 {
		amplitude = ampSum / float64(waves)
	}
	return fraction, amplitude
}

// remDensity counts rapid deflections on the EOG derivative, per second.
func (s *Sleep) remDensity(w *core.Window, eog []int) float64 {
	seconds := w.DurationMs / 1000
	if seconds <= 0 {
		return 0
	}
	minSep := int(0.25 * w.SamplingRate)
	var events int
	for _, ch := range eog {
		x := w.Data[ch]
		d := make([]float64, 0, len(x)-1)
		for i := 1; i < len(x); i++ {
			d = append(d, math.Abs(x[i]-x[i-1]))
		}
		sd := dsp.Std(d)
		if sd <= 0 {
			continue
		}
		events += len(dsp.PeakIndices(d, 3*sd, minSep))
	}
	return float64(events) / float64(len(eog)) / seconds
}

// semRatio is the slow-eye-movement share of low-frequency EOG power.
func (s *Sleep) semRatio(w *core.Window, eog []int) float64 {
	var slow, total float64
	for _, ch := range eog {
		freqs, psd := dsp.WelchPSD(w.Data[ch], w.SamplingRate, dsp.DefaultSegmentLen)
		slow += dsp.BandPower(freqs, psd, 0.2, 0.6)
		total += dsp.BandPower(freqs, psd, 0.2, 5)
	}
	return slow / (total + eps)
}

func zeroCrossings(x []float64) []int {
	var out []int
	for i := 1; i < len(x); i++ {
		if (x[i-1] < 0 && x[i] >= 0) || (x[i-1] >= 0 && x[i] < 0) {
			out = append(out, i)
		}
	}
	return out
}
