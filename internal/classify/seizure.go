package classify

import (
	"math"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

const (
	riskImminentThreshold = 0.85
	riskHighThreshold     = 0.60
	riskMediumThreshold   = 0.35

	seizureBaselineAlpha = 0.1
	smoothingWindowSec   = 300.0
	recentSeizureWindow  = 24 * time.Hour
	recentSeizureMaxBump = 0.3

	ttsAtHigh     = 30.0
	ttsAtImminent = 10.0
	ttsFloor      = 5.0
)

// baselineTracked names the features whose EMA forms the per-patient
// interictal baseline.
var baselineTracked = []string{
	"spectral_edge_95", "line_length", "wavelet_low_share", "plv_mean",
	"hjorth_complexity", "sample_entropy", "beta_coherence", "spike_rate",
}

// SeizureConfig binds a predictor instance to one patient.
type SeizureConfig struct {
	PatientID string
}

// SeizurePredictor grades seizure risk from eight indicator scores
// measured against a per-patient EMA baseline. The baseline freezes while
// risk is HIGH or above so ictal activity cannot absorb itself into
// normality. Probability is smoothed over a five-minute exponential
// window; a raw IMMINENT reading bypasses the smoothing.
type SeizurePredictor struct {
	patientID string

	mu           sync.Mutex
	baseline     map[string]float64
	baselineSet  bool
	smoothedProb float64
	hasSmoothed  bool
	lastSeen     time.Time
	seizures     []time.Time
}

func NewSeizurePredictor(cfg SeizureConfig) *SeizurePredictor {
	return &SeizurePredictor{
		patientID: cfg.PatientID,
		baseline:  make(map[string]float64),
	}
}

func (s *SeizurePredictor) Kind() core.ClassificationKind { return core.KindSeizure }

// RecordSeizure notes a confirmed seizure; risk within the next 24 hours
// is raised by a decaying factor.
func (s *SeizurePredictor) RecordSeizure(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seizures = append(s.seizures, t)
}

func (s *SeizurePredictor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseline = make(map[string]float64)
	s.baselineSet = false
	s.smoothedProb = 0
	s.hasSmoothed = false
	s.lastSeen = time.Time{}
}

func (s *SeizurePredictor) Classify(fm *core.FeatureMap) (core.Result, error) {
	if fm.SignalQuality() == 0 {
		return &core.SeizureResult{
			Classification: unknown(core.KindSeizure, fm),
			RiskLevel:      core.RiskLow,
			PatientID:      s.patientID,
		}, nil
	}

	cur := s.currentFeatures(fm)

	s.mu.Lock()
	if !s.baselineSet {
		for k, v := range cur {
			s.baseline[k] = v
		}
		s.baselineSet = true
	}
	base := make(map[string]float64, len(s.baseline))
	for k, v := range s.baseline {
		base[k] = v
	}
	s.mu.Unlock()

	indicators := []float64{
		decreaseScore(cur["spectral_edge_95"], base["spectral_edge_95"]),
		increaseScore(cur["line_length"], base["line_length"]),
		increaseScore(cur["wavelet_low_share"], base["wavelet_low_share"]),
		increaseScore(cur["plv_mean"], base["plv_mean"]),
		decreaseScore(cur["hjorth_complexity"], base["hjorth_complexity"]),
		decreaseScore(cur["sample_entropy"], base["sample_entropy"]),
		increaseScore(cur["beta_coherence"], base["beta_coherence"]),
		rateScore(cur["spike_rate"], base["spike_rate"]),
	}
	var rawProb float64
	for _, ind := range indicators {
		rawProb += ind
	}
	rawProb /= float64(len(indicators))
	rawProb = clamp01(rawProb + s.recentSeizureFactor(fm.Timestamp))

	prob, risk := s.smoothAndGrade(rawProb, fm.Timestamp)

	velocity := clamp01(fm.ScalarOr("feature_velocity", 0))
	var tts *float64
	if risk == core.RiskHigh || risk == core.RiskImminent {
		t := ttsAtHigh - (ttsAtHigh-ttsAtImminent)*(prob-riskHighThreshold)/(riskImminentThreshold-riskHighThreshold)
		t *= 1 - 0.5*velocity
		if t < ttsFloor {
			t = ttsFloor
		}
		tts = &t
	}

	// Ictal windows must not drag the interictal baseline toward them.
	if risk != core.RiskHigh && risk != core.RiskImminent {
		s.mu.Lock()
		for k, v := range cur {
			s.baseline[k] = seizureBaselineAlpha*v + (1-seizureBaselineAlpha)*s.baseline[k]
		}
		s.mu.Unlock()
	}

	probs := riskProbabilities(prob, risk)
	cls := core.Classification{
		Kind:          core.KindSeizure,
		Timestamp:     fm.Timestamp,
		Label:         string(risk),
		Probabilities: probs,
		Confidence:    winnerMargin(probs),
	}

	return &core.SeizureResult{
		Classification:       cls,
		RiskLevel:            risk,
		Probability:          prob,
		TimeToSeizureMinutes: tts,
		SpatialFocus:         spatialFocus(fm),
		PatientID:            s.patientID,
	}, nil
}

// currentFeatures pulls the tracked scalars, deriving the low-frequency
// wavelet share from the deepest decomposition bands.
func (s *SeizurePredictor) currentFeatures(fm *core.FeatureMap) map[string]float64 {
	cur := make(map[string]float64, len(baselineTracked))
	for _, name := range baselineTracked {
		if name == "wavelet_low_share" {
			cur[name] = waveletLowShare(fm)
			continue
		}
		cur[name] = fm.ScalarOr(name, 0)
	}
	return cur
}

func waveletLowShare(fm *core.FeatureMap) float64 {
	energies, ok := fm.Vector("wavelet_energies")
	if !ok || len(energies) < 3 {
		return 0
	}
	var low float64
	for _, e := range energies[len(energies)-3:] {
		low += e
	}
	return low
}

// smoothAndGrade folds the raw probability into the five-minute
// exponential window and grades risk on the smoothed value. A raw
// reading past the IMMINENT threshold overrides the smoothing and
// resets it to the raw value.
func (s *SeizurePredictor) smoothAndGrade(rawProb float64, ts time.Time) (float64, core.RiskLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rawProb >= riskImminentThreshold {
		s.smoothedProb = rawProb
		s.hasSmoothed = true
		s.lastSeen = ts
		return rawProb, core.RiskImminent
	}

	if !s.hasSmoothed {
		s.smoothedProb = rawProb
		s.hasSmoothed = true
	} else {
		dt := ts.Sub(s.lastSeen).Seconds()
		if dt < 0 {
			dt = 0
		}
		alpha := 1 - math.Exp(-dt/smoothingWindowSec)
		s.smoothedProb = alpha*rawProb + (1-alpha)*s.smoothedProb
	}
	s.lastSeen = ts

	prob := s.smoothedProb
	switch {
	case prob >= riskImminentThreshold:
		return prob, core.RiskImminent
	case prob >= riskHighThreshold:
		return prob, core.RiskHigh
	case prob >= riskMediumThreshold:
		return prob, core.RiskMedium
	default:
		return prob, core.RiskLow
	}
}

// riskGradeOrder and riskGradeBands mirror the thresholds smoothAndGrade
// grades against.
var (
	riskGradeOrder = []core.RiskLevel{core.RiskLow, core.RiskMedium, core.RiskHigh, core.RiskImminent}
	riskGradeBands = [][2]float64{
		{0, riskMediumThreshold},
		{riskMediumThreshold, riskHighThreshold},
		{riskHighThreshold, riskImminentThreshold},
		{riskImminentThreshold, 1},
	}
)

// riskProbabilities spreads the smoothed probability over the risk
// grades. The graded level holds at least 0.55 so it is always the
// argmax; the remainder leans to the adjacent grade the probability sits
// closer to, shrinking to zero at the band centre.
func riskProbabilities(prob float64, risk core.RiskLevel) map[string]float64 {
	idx := 0
	for i, lvl := range riskGradeOrder {
		if lvl == risk {
			idx = i
			break
		}
	}
	band := riskGradeBands[idx]
	frac := 0.5
	if band[1] > band[0] {
		frac = clamp01((prob - band[0]) / (band[1] - band[0]))
	}
	peak := 1 - 2*math.Abs(frac-0.5)
	winner := 0.55 + 0.45*peak
	rem := 1 - winner

	probs := make(map[string]float64, len(riskGradeOrder))
	for _, lvl := range riskGradeOrder {
		probs[string(lvl)] = 0
	}
	probs[string(risk)] = winner
	switch {
	case frac >= 0.5 && idx+1 < len(riskGradeOrder):
		probs[string(riskGradeOrder[idx+1])] = rem
	case frac < 0.5 && idx > 0:
		probs[string(riskGradeOrder[idx-1])] = rem
	default:
		probs[string(risk)] += rem
	}
	return probs
}

// recentSeizureFactor adds up to +0.3 probability, decaying linearly over
// 24 hours since the most recent confirmed seizure.
func (s *SeizurePredictor) recentSeizureFactor(ts time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := 0.0
	for _, t := range s.seizures {
		age := ts.Sub(t)
		if age < 0 || age > recentSeizureWindow {
			continue
		}
		f := recentSeizureMaxBump * (1 - age.Seconds()/recentSeizureWindow.Seconds())
		if f > best {
			best = f
		}
	}
	return best
}

// spatialFocus lists channels whose spike rate exceeds the cross-channel
// mean by two standard deviations.
func spatialFocus(fm *core.FeatureMap) []int {
	rates, ok := fm.Vector("spike_rate_by_channel")
	if !ok || len(rates) < 2 {
		return nil
	}
	var mean float64
	for _, r := range rates {
		mean += r
	}
	mean /= float64(len(rates))
	var variance float64
	for _, r := range rates {
		d := r - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(rates)))
	if sd <= 0 {
		return nil
	}
	var focus []int
	for i, r := range rates {
		if r > mean+2*sd {
			focus = append(focus, i)
		}
	}
	return focus
}

func decreaseScore(cur, base float64) float64 {
	return clamp01((base - cur) / (0.5*math.Abs(base) + eps))
}

func increaseScore(cur, base float64) float64 {
	return clamp01((cur - base) / (0.5*math.Abs(base) + eps))
}

// rateScore handles spike rates whose baseline is typically near zero.
func rateScore(cur, base float64) float64 {
	return clamp01((cur - base) / (base + 0.5))
}
