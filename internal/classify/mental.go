package classify

import (
	"math"

	"github.com/neuroloop/backend/internal/core"
)

// Mental maps band-power features onto {FOCUS, RELAXATION, STRESS,
// NEUTRAL}. Raw per-state scores come from sigmoid-scaled threshold
// deviations; NEUTRAL takes the residual mass. A ten-window smoother
// stabilises the distribution before the label is picked.
type Mental struct {
	sm *smoother
}

func NewMental() *Mental {
	return &Mental{sm: newSmoother(10)}
}

func (m *Mental) Kind() core.ClassificationKind { return core.KindMentalState }

func (m *Mental) Reset() { m.sm.reset() }

func (m *Mental) Classify(fm *core.FeatureMap) (core.Result, error) {
	if fm.SignalQuality() == 0 {
		return &core.MentalStateResult{Classification: unknown(core.KindMentalState, fm)}, nil
	}

	betaAlpha := fm.ScalarOr("beta_alpha_ratio", 0)
	frontalTheta := fm.ScalarOr("frontal_theta", 0)
	attention := fm.ScalarOr("attention_index", 0)
	alphaRel := fm.ScalarOr("alpha_rel", 0)
	betaRel := fm.ScalarOr("beta_rel", 0)
	asym := fm.ScalarOr("alpha_asymmetry", 0)
	muscle := fm.ScalarOr("muscle_artifacts", 0)
	hrv := fm.ScalarOr("hrv_decrease", 0)

	focus := (above(betaAlpha, 1.5, 2) + above(frontalTheta, 0.6, 8) + above(attention, 0.7, 2)) / 3
	relax := (above(alphaRel, 0.7, 8) + below(betaRel, 0.3, 8) + below(math.Abs(asym), 0.2, 10)) / 3
	stress := (above(betaRel, 0.6, 8) + above(muscle, 0.4, 6) + above(hrv, 0.3, 6)) / 3
	neutral := 1 - math.Max(focus, math.Max(relax, stress))
	if neutral < 0 {
		neutral = 0
	}

	probs := normalize(map[string]float64{
		core.MentalFocus:      focus,
		core.MentalRelaxation: relax,
		core.MentalStress:     stress,
		core.MentalNeutral:    neutral,
	})
	rawConf := winnerMargin(probs)

	smoothed, stability := m.sm.push(probs, rawConf)
	label, _ := argmax(smoothed)
	confidence := winnerMargin(smoothed) * (0.7 + 0.3*stability)

	cls := core.Classification{
		Kind:          core.KindMentalState,
		Timestamp:     fm.Timestamp,
		Label:         label,
		Probabilities: smoothed,
		Confidence:    confidence,
	}
	if confidence < confidenceFloor {
		cls.Label = core.LabelUnknown
	}

	gamma := fm.ScalarOr("gamma_rel", 0)
	theta := fm.ScalarOr("theta_rel", 0)
	arousalRatio := (betaRel + gamma) / (alphaRel + theta + eps)

	return &core.MentalStateResult{
		Classification: cls,
		Arousal:        arousalRatio / (1 + arousalRatio),
		Valence:        math.Tanh(fm.ScalarOr("frontal_alpha_asymmetry", 0)),
		Attention:      attention / (1 + attention),
	}, nil
}

// winnerMargin combines the winning probability with its margin over the
// runner-up, capped at 1.
func winnerMargin(probs map[string]float64) float64 {
	var first, second float64
	for _, v := range probs {
		if v > first {
			first, second = v, first
		} else if v > second {
			second = v
		}
	}
	c := first + (first - second)
	if c > 1 {
		return 1
	}
	return c
}
