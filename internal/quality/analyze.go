package quality

import (
	"math"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/dsp"
)

// Config fixes the acquisition parameters a quality analysis depends on.
// Every function here is deterministic given (signal, Config).
type Config struct {
	SamplingRate float64
	LineFreq     float64 // mains frequency, 50 or 60 Hz
}

// DefaultConfig assumes 256 Hz sampling on a 50 Hz mains grid.
func DefaultConfig() Config {
	return Config{SamplingRate: 256, LineFreq: 50}
}

const (
	signalBandLo = 0.5
	signalBandHi = 45.0
	lineBandHalf = 2.0

	artifactSigma = 5.0
	// Channels exceeding this many artifacts per second grade BAD.
	artifactPerSecondCeiling = 5.0

	snrFloorDb   = -40.0
	snrCeilingDb = 60.0
)

// SNR estimates the signal-to-noise ratio in dB via Welch PSD. The signal
// band is 0.5-45 Hz excluding lineFreq±2 Hz; everything else counts as
// noise. The result is floored and capped to keep log arithmetic finite.
func SNR(x []float64, cfg Config) float64 {
	freqs, psd := dsp.WelchPSD(x, cfg.SamplingRate, dsp.DefaultSegmentLen)
	total := dsp.BandPower(freqs, psd, 0, cfg.SamplingRate/2)
	signal := signalBandPower(freqs, psd, cfg)
	noise := total - signal
	if noise < 1e-12 {
		noise = 1e-12
	}
	if signal < 1e-12 {
		return snrFloorDb
	}
	db := 10 * math.Log10(signal/noise)
	if db < snrFloorDb {
		return snrFloorDb
	}
	if db > snrCeilingDb {
		return snrCeilingDb
	}
	return db
}

func signalBandPower(freqs, psd []float64, cfg Config) float64 {
	inBand := dsp.BandPower(freqs, psd, signalBandLo, signalBandHi)
	lineLo := cfg.LineFreq - lineBandHalf
	lineHi := cfg.LineFreq + lineBandHalf
	if lineLo < signalBandLo {
		lineLo = signalBandLo
	}
	if lineHi > signalBandHi {
		lineHi = signalBandHi
	}
	if lineHi > lineLo {
		inBand -= dsp.BandPower(freqs, psd, lineLo, lineHi)
	}
	if inBand < 0 {
		inBand = 0
	}
	return inBand
}

// LineNoiseRatio is the PSD power within lineFreq±2 Hz as a fraction of
// the total 0.5-45 Hz band power.
func LineNoiseRatio(x []float64, cfg Config) float64 {
	freqs, psd := dsp.WelchPSD(x, cfg.SamplingRate, dsp.DefaultSegmentLen)
	band := dsp.BandPower(freqs, psd, signalBandLo, signalBandHi)
	if band <= 0 {
		return 0
	}
	line := dsp.BandPower(freqs, psd, cfg.LineFreq-lineBandHalf, cfg.LineFreq+lineBandHalf)
	ratio := line / band
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// ArtifactCount counts amplitude artifacts: samples beyond 5 sigma after
// a one-second high-pass detrend, plus flat-lined extreme samples
// (consecutive equal values above 3 sigma, the signature of clipping).
func ArtifactCount(x []float64, cfg Config) int {
	if len(x) < 2 {
		return 0
	}
	window := int(cfg.SamplingRate)
	if window < 1 {
		window = 1
	}
	d := dsp.MovingAverageDetrend(x, window)
	sigma := dsp.Std(d)
	if sigma <= 0 {
		return 0
	}

	count := 0
	for i, v := range d {
		if math.Abs(v) > artifactSigma*sigma {
			count++
			continue
		}
		if i > 0 && d[i] == d[i-1] && math.Abs(v) > 3*sigma {
			count++
		}
	}
	return count
}

// RMSAmplitude is the root mean square of the raw signal.
func RMSAmplitude(x []float64) float64 {
	return dsp.RMS(x)
}

// GradeChannel maps the per-channel measurements to a quality level.
// EXCELLENT demands SNR >= 20 dB, zero artifacts and line noise under 5%;
// BAD is SNR under 5 dB or an artifact rate beyond the per-second ceiling.
func GradeChannel(snrDb float64, artifacts int, lineNoiseRatio, durationSec float64) core.QualityLevel {
	if durationSec <= 0 {
		durationSec = 1
	}
	rate := float64(artifacts) / durationSec

	switch {
	case snrDb < 5 || rate > artifactPerSecondCeiling:
		return core.QualityBad
	case snrDb >= 20 && artifacts == 0 && lineNoiseRatio < 0.05:
		return core.QualityExcellent
	case snrDb >= 15 && rate <= 1 && lineNoiseRatio < 0.10:
		return core.QualityGood
	case snrDb >= 10 && rate <= 2 && lineNoiseRatio < 0.20:
		return core.QualityFair
	default:
		return core.QualityPoor
	}
}

// GradeImpedance maps electrode impedance in ohms to a quality level.
func GradeImpedance(ohms float64) core.QualityLevel {
	kOhms := ohms / 1000.0
	switch {
	case kOhms < 5:
		return core.QualityExcellent
	case kOhms < 10:
		return core.QualityGood
	case kOhms < 25:
		return core.QualityFair
	case kOhms < 50:
		return core.QualityPoor
	default:
		return core.QualityBad
	}
}

// AnalyzeChannel scores one channel of a window.
func AnalyzeChannel(name string, x []float64, cfg Config) core.ChannelQuality {
	snr := SNR(x, cfg)
	artifacts := ArtifactCount(x, cfg)
	lineRatio := LineNoiseRatio(x, cfg)
	durationSec := float64(len(x)) / cfg.SamplingRate

	return core.ChannelQuality{
		Channel:        name,
		SNRDb:          snr,
		RMSAmplitude:   RMSAmplitude(x),
		LineNoiseRatio: lineRatio,
		ArtifactCount:  artifacts,
		Level:          GradeChannel(snr, artifacts, lineRatio, durationSec),
	}
}

// Analyze scores every channel of the window and aggregates: the overall
// level is the worst per-channel level.
func Analyze(w *core.Window, cfg Config) core.QualitySummary {
	summary := core.QualitySummary{
		Overall:     core.QualityExcellent,
		MinSNRDb:    math.Inf(1),
		LevelCounts: make(map[core.QualityLevel]int),
	}
	if w == nil || len(w.Data) == 0 {
		summary.Overall = core.QualityBad
		summary.MinSNRDb = snrFloorDb
		return summary
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = w.SamplingRate
	}

	var snrSum float64
	for ch := range w.Data {
		name := ""
		if ch < len(w.Channels) {
			name = w.Channels[ch]
		}
		cq := AnalyzeChannel(name, w.Data[ch], cfg)
		summary.Channels = append(summary.Channels, cq)
		summary.LevelCounts[cq.Level]++
		summary.Overall = core.WorseQuality(summary.Overall, cq.Level)
		snrSum += cq.SNRDb
		if cq.SNRDb < summary.MinSNRDb {
			summary.MinSNRDb = cq.SNRDb
		}
	}
	summary.MeanSNRDb = snrSum / float64(len(w.Data))
	return summary
}

// GradeImpedanceMap grades a raw impedance reading per channel.
func GradeImpedanceMap(ohmsByChannel map[string]float64) map[string]core.ImpedanceResult {
	out := make(map[string]core.ImpedanceResult, len(ohmsByChannel))
	for ch, ohms := range ohmsByChannel {
		out[ch] = core.ImpedanceResult{
			Channel:       ch,
			ImpedanceOhms: ohms,
			Level:         GradeImpedance(ohms),
		}
	}
	return out
}
