package features

import (
	"math"
	"sync"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/dsp"
)

const motorWindowMs = 500

const (
	// Baseline band powers converge with an exponential moving average;
	// ERD values are withheld until the baseline has seen enough windows.
	baselineAlpha       = 0.1
	baselineWarmupCount = 10
)

// MotorImagery extracts sensorimotor-rhythm features for the imagery
// decoder. It is stateful: a per-stream EMA baseline of band powers turns
// instantaneous power into event-related desynchronisation percentages.
// One instance serves one stream.
type MotorImagery struct {
	csp [][]float64 // optional spatial filters, one row per component

	mu        sync.Mutex
	baseline  map[string]float64
	baselineN int
}

// MotorConfig carries the optional CSP projection trained offline during
// calibration. Rows are spatial filters applied across channels.
type MotorConfig struct {
	CSPMatrix [][]float64
}

func NewMotorImagery(cfg MotorConfig) *MotorImagery {
	return &MotorImagery{
		csp:      cfg.CSPMatrix,
		baseline: make(map[string]float64),
	}
}

func (m *MotorImagery) Name() string              { return "motor_imagery" }
func (m *MotorImagery) RequiredWindowMs() float64 { return motorWindowMs }

var motorFeatureNames = []string{
	"mu_left", "mu_right", "mu_central",
	"beta_left", "beta_right", "beta_central",
	"smr_left", "smr_right",
	"erd_mu_left", "erd_mu_right", "erd_mu_central",
	"erd_beta_left", "erd_beta_right", "erd_beta_central",
	"lateralization", "spatial_complexity", "baseline_stable",
	core.FeatureSignalQuality,
}

func (m *MotorImagery) FeatureNames() []string { return motorFeatureNames }

// ResetBaseline clears the EMA state, e.g. when a new session starts or
// the montage changes.
func (m *MotorImagery) ResetBaseline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = make(map[string]float64)
	m.baselineN = 0
}

func (m *MotorImagery) Extract(w *core.Window) (*core.FeatureMap, error) {
	if !w.Finite() {
		return degraded(w, motorFeatureNames), nil
	}
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)

	left := indicesIn(w, leftMotorChannels)
	right := indicesIn(w, rightMotorChannels)
	central := indicesIn(w, midlineMotorChannels)
	if len(left) == 0 && len(right) == 0 && len(central) == 0 {
		// Headsets without 10-20 labels: split rows down the middle.
		half := len(w.Channels) / 2
		for i := 0; i < len(w.Channels); i++ {
			if i < half {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
	}

	powers := map[string]float64{
		"mu_left":      m.groupBandPower(w, left, bandMu),
		"mu_right":     m.groupBandPower(w, right, bandMu),
		"mu_central":   m.groupBandPower(w, central, bandMu),
		"beta_left":    m.groupBandPower(w, left, bandBeta),
		"beta_right":   m.groupBandPower(w, right, bandBeta),
		"beta_central": m.groupBandPower(w, central, bandBeta),
	}
	for name, p := range powers {
		fm.Set(name, p)
	}
	fm.Set("smr_left", m.groupBandPower(w, left, bandSMR))
	fm.Set("smr_right", m.groupBandPower(w, right, bandSMR))

	// ERD compares against the baseline as it stood before this window,
	// then the window is folded in.
	base, stable := m.baselineSnapshot()
	for name, p := range powers {
		erd := 0.0
		if stable {
			if b := base[name]; b > eps {
				erd = (p - b) / b
			}
		}
		fm.Set("erd_"+name, erd)
	}
	if stable {
		fm.Set("baseline_stable", 1)
	} else {
		fm.Set("baseline_stable", 0)
	}
	m.updateBaseline(powers)

	// Positive when the left hemisphere desynchronises harder, i.e.
	// right-hand imagery.
	fm.Set("lateralization", fm.ScalarOr("erd_mu_right", 0)-fm.ScalarOr("erd_mu_left", 0))
	fm.Set("spatial_complexity", spatialComplexity(w))

	if len(m.csp) > 0 {
		fm.Set("csp_features", m.cspLogVar(w)...)
	}

	fm.Set(core.FeatureSignalQuality, 1)
	return fm, nil
}

func (m *MotorImagery) groupBandPower(w *core.Window, rows []int, b band) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, ch := range rows {
		freqs, psd := dsp.WelchPSD(w.Data[ch], w.SamplingRate, dsp.DefaultSegmentLen)
		sum += dsp.BandPower(freqs, psd, b.lo, b.hi)
	}
	return sum / float64(len(rows))
}

// baselineSnapshot copies the EMA state and reports whether it has seen
// enough windows to trust.
func (m *MotorImagery) baselineSnapshot() (map[string]float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]float64, len(m.baseline))
	for k, v := range m.baseline {
		snap[k] = v
	}
	return snap, m.baselineN >= baselineWarmupCount
}

// updateBaseline folds the window's powers into the EMA.
func (m *MotorImagery) updateBaseline(powers map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range powers {
		if prev, ok := m.baseline[name]; ok {
			m.baseline[name] = baselineAlpha*p + (1-baselineAlpha)*prev
		} else {
			m.baseline[name] = p
		}
	}
	m.baselineN++
}

// cspLogVar projects the window through the CSP filters and returns
// normalised log-variance per component.
func (m *MotorImagery) cspLogVar(w *core.Window) []float64 {
	n := w.SampleCount()
	vars := make([]float64, len(m.csp))
	var total float64
	for k, filt := range m.csp {
		proj := make([]float64, n)
		for t := 0; t < n; t++ {
			var v float64
			for ch := 0; ch < len(w.Data) && ch < len(filt); ch++ {
				v += filt[ch] * w.Data[ch][t]
			}
			proj[t] = v
		}
		vars[k] = dsp.Variance(proj)
		total += vars[k]
	}
	out := make([]float64, len(vars))
	for k, v := range vars {
		out[k] = math.Log(v/(total+eps) + eps)
	}
	return out
}

// spatialComplexity is the normalised participation ratio of the channel
// covariance eigenvalue spectrum, approximated through per-channel
// variance shares. Near 0 when one channel dominates, near 1 when
// activity spreads evenly.
func spatialComplexity(w *core.Window) float64 {
	if len(w.Data) < 2 {
		return 0
	}
	vars := make([]float64, len(w.Data))
	var sum float64
	for i, ch := range w.Data {
		vars[i] = dsp.Variance(ch)
		sum += vars[i]
	}
	if sum <= eps {
		return 0
	}
	var sq float64
	for _, v := range vars {
		share := v / sum
		sq += share * share
	}
	pr := 1 / sq // participation ratio in [1, channels]
	return (pr - 1) / float64(len(w.Data)-1)
}
