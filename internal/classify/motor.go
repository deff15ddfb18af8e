package classify

import (
	"math"
	"sync"

	"github.com/neuroloop/backend/internal/core"
)

// controlTargets are the canonical intent directions on the unit disk.
var controlTargets = map[string][2]float64{
	core.IntentLeftHand:  {-1, 0},
	core.IntentRightHand: {1, 0},
	core.IntentFeet:      {0, 1},
	core.IntentTongue:    {0, -1},
	core.IntentRest:      {0, 0},
	core.LabelUnknown:    {0, 0},
}

const (
	erdThreshold = 0.2
	erdSlope     = 8.0
	controlAlpha = 0.3

	cspWeight  = 0.6
	bandWeight = 0.4
)

// MotorConfig optionally provides per-intent CSP template vectors from
// calibration. When present (and the extractor emits csp_features) the
// CSP similarity carries the larger share of each intent score.
type MotorConfig struct {
	CSPTemplates map[string][]float64
}

// Motor decodes imagery intents from lateralised ERD. Contralateral
// desynchronisation drives the hand classes, central desynchronisation
// drives FEET, fronto-central beta synchronisation drives TONGUE, and
// REST takes the residual. The emitted control vector is low-pass
// smoothed against the previous one and bounded to the unit disk.
type Motor struct {
	cfg MotorConfig

	mu      sync.Mutex
	control [2]float64
}

func NewMotor(cfg MotorConfig) *Motor { return &Motor{cfg: cfg} }

func (m *Motor) Kind() core.ClassificationKind { return core.KindMotorImagery }

func (m *Motor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control = [2]float64{}
}

func (m *Motor) Classify(fm *core.FeatureMap) (core.Result, error) {
	if fm.SignalQuality() == 0 {
		return &core.MotorImageryResult{
			Classification: unknown(core.KindMotorImagery, fm),
			ControlSignal:  m.decayControl(),
		}, nil
	}

	erdMuL := fm.ScalarOr("erd_mu_left", 0)
	erdMuR := fm.ScalarOr("erd_mu_right", 0)
	erdMuC := fm.ScalarOr("erd_mu_central", 0)
	erdBetaL := fm.ScalarOr("erd_beta_left", 0)
	erdBetaR := fm.ScalarOr("erd_beta_right", 0)
	erdBetaC := fm.ScalarOr("erd_beta_central", 0)

	// Desync is negative ERD; above() on the negated value scores it.
	// Each intent takes the stronger of its µ and β evidence: imagery
	// often desynchronises one band only, and averaging in the silent
	// band would let REST tie with a clear single-band drop.
	left := math.Max(above(-erdMuR, erdThreshold, erdSlope), above(-erdBetaR, erdThreshold, erdSlope))
	right := math.Max(above(-erdMuL, erdThreshold, erdSlope), above(-erdBetaL, erdThreshold, erdSlope))
	feet := math.Max(above(-erdMuC, erdThreshold, erdSlope), above(-erdBetaC, erdThreshold, erdSlope))
	tongue := above(erdBetaC, erdThreshold, erdSlope)

	scores := map[string]float64{
		core.IntentLeftHand:  left,
		core.IntentRightHand: right,
		core.IntentFeet:      feet,
		core.IntentTongue:    tongue,
	}
	if csp, ok := fm.Vector("csp_features"); ok && len(m.cfg.CSPTemplates) > 0 {
		for intent, band := range scores {
			tpl, ok := m.cfg.CSPTemplates[intent]
			if !ok {
				continue
			}
			scores[intent] = cspWeight*cosineScore(csp, tpl) + bandWeight*band
		}
	}
	maxScore := 0.0
	for _, v := range scores {
		if v > maxScore {
			maxScore = v
		}
	}
	scores[core.IntentRest] = clamp01(1 - maxScore)

	probs := normalize(scores)
	label, _ := argmax(probs)
	confidence := winnerMargin(probs)

	cls := core.Classification{
		Kind:          core.KindMotorImagery,
		Timestamp:     fm.Timestamp,
		Label:         label,
		Probabilities: probs,
		Confidence:    confidence,
	}
	if confidence < confidenceFloor {
		cls.Label = core.LabelUnknown
	}

	erdScore := dominantERD([]float64{erdMuL, erdMuR, erdMuC, erdBetaL, erdBetaR, erdBetaC})
	control := m.advanceControl(cls.Label, confidence, erdScore)

	return &core.MotorImageryResult{
		Classification: cls,
		ControlSignal:  control,
		ERDScore:       erdScore,
		SpatialPattern: []float64{erdMuL, erdMuR, erdMuC, erdBetaL, erdBetaR, erdBetaC},
	}, nil
}

// advanceControl folds the intent's target vector into the smoothed
// control state and clamps the result to the unit disk.
func (m *Motor) advanceControl(label string, confidence, erdScore float64) [2]float64 {
	target := controlTargets[label]
	gain := confidence * math.Abs(erdScore)
	target[0] *= gain
	target[1] *= gain

	m.mu.Lock()
	defer m.mu.Unlock()
	m.control[0] = controlAlpha*target[0] + (1-controlAlpha)*m.control[0]
	m.control[1] = controlAlpha*target[1] + (1-controlAlpha)*m.control[1]
	if norm := math.Hypot(m.control[0], m.control[1]); norm > 1 {
		m.control[0] /= norm
		m.control[1] /= norm
	}
	return m.control
}

// decayControl moves the control vector toward rest when no usable
// window arrived.
func (m *Motor) decayControl() [2]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control[0] *= 1 - controlAlpha
	m.control[1] *= 1 - controlAlpha
	return m.control
}

// dominantERD returns the ERD/ERS value with the largest magnitude.
func dominantERD(values []float64) float64 {
	best := 0.0
	for _, v := range values {
		if math.Abs(v) > math.Abs(best) {
			best = v
		}
	}
	return best
}

// cosineScore maps cosine similarity onto [0, 1].
func cosineScore(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return (dot/math.Sqrt(na*nb) + 1) / 2
}
