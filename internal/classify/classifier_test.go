package classify

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func newFM(ts time.Time, features map[string]float64) *core.FeatureMap {
	fm := core.NewFeatureMap(ts, 1000)
	for k, v := range features {
		fm.Set(k, v)
	}
	if _, ok := features[core.FeatureSignalQuality]; !ok {
		fm.Set(core.FeatureSignalQuality, 1)
	}
	return fm
}

func assertNormalized(t *testing.T, probs map[string]float64) {
	t.Helper()
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

var t0 = time.Unix(1700000000, 0).UTC()

func focusFeatures() map[string]float64 {
	return map[string]float64{
		"beta_alpha_ratio": 3.0, "frontal_theta": 0.8, "attention_index": 2.0,
		"alpha_rel": 0.2, "beta_rel": 0.5, "theta_rel": 0.2, "gamma_rel": 0.1,
		"alpha_asymmetry": 0, "frontal_alpha_asymmetry": 0.1,
		"muscle_artifacts": 0.1, "hrv_decrease": 0,
	}
}

func TestMentalFocusConverges(t *testing.T) {
	c := NewMental()
	var last *core.MentalStateResult
	for i := 0; i < 10; i++ {
		res, err := c.Classify(newFM(t0.Add(time.Duration(i)*time.Second), focusFeatures()))
		require.NoError(t, err)
		last = res.(*core.MentalStateResult)
	}
	assert.Equal(t, core.MentalFocus, last.Label)
	assert.GreaterOrEqual(t, last.Confidence, 0.5)
	assertNormalized(t, last.Probabilities)
	assert.Greater(t, last.Arousal, 0.5)
	assert.Greater(t, last.Attention, 0.5)
}

func TestMentalRelaxation(t *testing.T) {
	c := NewMental()
	fm := newFM(t0, map[string]float64{
		"beta_alpha_ratio": 0.2, "frontal_theta": 0.2, "attention_index": 0.2,
		"alpha_rel": 0.85, "beta_rel": 0.1, "alpha_asymmetry": 0.05,
		"muscle_artifacts": 0, "hrv_decrease": 0,
	})
	res, err := c.Classify(fm)
	require.NoError(t, err)
	assert.Equal(t, core.MentalRelaxation, res.Base().Label)
}

func TestMentalAmbiguousGoesUnknown(t *testing.T) {
	// Every indicator pinned to its own threshold: a flat distribution
	// whose winner-plus-margin confidence sits under the floor.
	c := NewMental()
	fm := newFM(t0, map[string]float64{
		"beta_alpha_ratio": 1.5, "frontal_theta": 0.6, "attention_index": 0.7,
		"alpha_rel": 0.7, "beta_rel": 0.3, "alpha_asymmetry": 0.2,
		"muscle_artifacts": 0.4, "hrv_decrease": 0.3,
	})
	res, err := c.Classify(fm)
	require.NoError(t, err)
	assert.Equal(t, core.LabelUnknown, res.Base().Label)
	assert.Less(t, res.Base().Confidence, 0.3)
}

func TestMentalZeroQualityUnknown(t *testing.T) {
	c := NewMental()
	fm := newFM(t0, map[string]float64{core.FeatureSignalQuality: 0})
	res, err := c.Classify(fm)
	require.NoError(t, err)
	assert.Equal(t, core.LabelUnknown, res.Base().Label)
	assert.Zero(t, res.Base().Confidence)
	assert.Empty(t, res.Base().Probabilities)
}

func n3Features() map[string]float64 {
	return map[string]float64{
		"alpha_rel": 0.05, "theta_rel": 0.1, "delta_rel": 0.7, "beta_rel": 0.02,
		"spindle_density": 0, "k_complex_count": 0, "vertex_wave_count": 0,
		"slow_wave_fraction": 0.6, "slow_wave_amplitude": 110,
		"rem_density": 0, "sem_ratio": 0, "emg_atonia": 0.5, "emg_present": 0,
	}
}

func TestSleepDeepStage(t *testing.T) {
	c := NewSleepStage()
	res1, err := c.Classify(newFM(t0, n3Features()))
	require.NoError(t, err)
	r1 := res1.(*core.SleepStageResult)
	assert.Equal(t, core.StageN3, r1.Label)
	assert.Equal(t, 1, r1.EpochNumber)
	assert.GreaterOrEqual(t, r1.SleepDepth, 0.7)
	assert.LessOrEqual(t, r1.SleepDepth, 1.0)
	assertNormalized(t, r1.Probabilities)

	// The Markov prior rewards staying in N3.
	res2, err := c.Classify(newFM(t0.Add(30*time.Second), n3Features()))
	require.NoError(t, err)
	r2 := res2.(*core.SleepStageResult)
	assert.Equal(t, core.StageN3, r2.Label)
	assert.Equal(t, 2, r2.EpochNumber)
	assert.Greater(t, r2.Probabilities[core.StageN3], r1.Probabilities[core.StageN3])
	assert.InDelta(t, 0.32, r2.TransitionProbability, 0.02)
}

func TestSleepWakeVsREMAtonia(t *testing.T) {
	c := NewSleepStage()
	wake := newFM(t0, map[string]float64{
		"alpha_rel": 0.55, "theta_rel": 0.1, "delta_rel": 0.1, "beta_rel": 0.3,
		"slow_wave_fraction": 0, "spindle_density": 0, "k_complex_count": 0,
		"vertex_wave_count": 0, "rem_density": 0, "sem_ratio": 0,
		"emg_atonia": 0.1, "emg_rms": 30, "emg_present": 1,
	})
	res, err := c.Classify(wake)
	require.NoError(t, err)
	assert.Equal(t, core.StageWake, res.Base().Label)

	rem := NewSleepStage()
	resR, err := rem.Classify(newFM(t0, map[string]float64{
		"alpha_rel": 0.1, "theta_rel": 0.35, "delta_rel": 0.15, "beta_rel": 0.1,
		"slow_wave_fraction": 0, "spindle_density": 0, "k_complex_count": 0,
		"vertex_wave_count": 0, "rem_density": 0.8, "sem_ratio": 0.1,
		"emg_atonia": 0.95, "emg_rms": 1, "emg_present": 1,
	}))
	require.NoError(t, err)
	assert.Equal(t, core.StageREM, resR.Base().Label)
}

func TestMotorLeftHandAndControlClamp(t *testing.T) {
	c := NewMotor(MotorConfig{})
	fm := func(i int) *core.FeatureMap {
		return newFM(t0.Add(time.Duration(i)*100*time.Millisecond), map[string]float64{
			"erd_mu_left": 0, "erd_mu_right": -0.6, "erd_mu_central": 0,
			"erd_beta_left": 0, "erd_beta_right": -0.5, "erd_beta_central": 0,
		})
	}
	var last *core.MotorImageryResult
	for i := 0; i < 20; i++ {
		res, err := c.Classify(fm(i))
		require.NoError(t, err)
		last = res.(*core.MotorImageryResult)
		norm := math.Hypot(last.ControlSignal[0], last.ControlSignal[1])
		assert.LessOrEqual(t, norm, 1.0+1e-9, "window %d", i)
	}
	assert.Equal(t, core.IntentLeftHand, last.Label)
	assert.Less(t, last.ControlSignal[0], -0.3)
	assert.InDelta(t, 0, last.ControlSignal[1], 1e-9)
	assertNormalized(t, last.Probabilities)
	assert.Negative(t, last.ERDScore)
}

func TestMotorMuOnlyDesyncBeatsRest(t *testing.T) {
	// A 40% µ drop over the right hemisphere with β silent must decode
	// LEFT_HAND on its own: the untouched β band cannot dilute the µ
	// evidence into a tie with REST.
	c := NewMotor(MotorConfig{})
	res, err := c.Classify(newFM(t0, map[string]float64{
		"erd_mu_left": 0, "erd_mu_right": -0.4, "erd_mu_central": 0,
		"erd_beta_left": 0, "erd_beta_right": 0, "erd_beta_central": 0,
	}))
	require.NoError(t, err)
	r := res.(*core.MotorImageryResult)
	assert.Equal(t, core.IntentLeftHand, r.Label)
	assert.GreaterOrEqual(t, r.Confidence, 0.5)
	assert.Greater(t, r.Probabilities[core.IntentLeftHand], r.Probabilities[core.IntentRest])
	assertNormalized(t, r.Probabilities)
}

func TestMotorRestOnFlatERD(t *testing.T) {
	c := NewMotor(MotorConfig{})
	res, err := c.Classify(newFM(t0, map[string]float64{
		"erd_mu_left": 0, "erd_mu_right": 0, "erd_mu_central": 0,
		"erd_beta_left": 0, "erd_beta_right": 0, "erd_beta_central": 0,
	}))
	require.NoError(t, err)
	assert.Equal(t, core.IntentRest, res.Base().Label)
}

func TestMotorSynchronisationIsNotImagery(t *testing.T) {
	// Positive ERD (synchronisation) on the right hemisphere must not be
	// read as left-hand intent.
	c := NewMotor(MotorConfig{})
	res, err := c.Classify(newFM(t0, map[string]float64{
		"erd_mu_left": 0, "erd_mu_right": 0.6, "erd_mu_central": 0,
		"erd_beta_left": 0, "erd_beta_right": 0.5, "erd_beta_central": 0,
	}))
	require.NoError(t, err)
	assert.NotEqual(t, core.IntentLeftHand, res.Base().Label)
}

func interictalFeatures() map[string]float64 {
	return map[string]float64{
		"spectral_edge_95": 20, "line_length": 0.5, "plv_mean": 0.3,
		"hjorth_complexity": 1.2, "sample_entropy": 1.0, "beta_coherence": 0.3,
		"spike_rate": 0.2, "feature_velocity": 0,
	}
}

func ictalFeatures() map[string]float64 {
	return map[string]float64{
		"spectral_edge_95": 4, "line_length": 2.0, "plv_mean": 0.6,
		"hjorth_complexity": 0.24, "sample_entropy": 0.2, "beta_coherence": 0.6,
		"spike_rate": 3.0, "feature_velocity": 0.8,
	}
}

func seizureFM(ts time.Time, features map[string]float64, lowShare float64) *core.FeatureMap {
	fm := newFM(ts, features)
	rest := (1 - lowShare) / 4
	fm.Set("wavelet_energies", rest, rest, rest, rest, lowShare/3, lowShare/3, lowShare/3)
	return fm
}

func TestSeizureColdStartIsLow(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	res, err := c.Classify(seizureFM(t0, interictalFeatures(), 0.3))
	require.NoError(t, err)
	r := res.(*core.SeizureResult)
	assert.Equal(t, core.RiskLow, r.RiskLevel)
	assert.Nil(t, r.TimeToSeizureMinutes)
	assert.Equal(t, "p1", r.PatientID)
}

func TestSeizureImminentBypassesSmoothing(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	_, err := c.Classify(seizureFM(t0, interictalFeatures(), 0.3))
	require.NoError(t, err)

	// All eight indicators saturate against the learned baseline; the
	// raw probability crosses the IMMINENT threshold on a single window
	// despite the five-minute smoothing horizon.
	res, err := c.Classify(seizureFM(t0.Add(2*time.Second), ictalFeatures(), 0.6))
	require.NoError(t, err)
	r := res.(*core.SeizureResult)
	assert.Equal(t, core.RiskImminent, r.RiskLevel)
	assert.GreaterOrEqual(t, r.Probability, 0.85)
	winner, _ := argmax(r.Probabilities)
	assert.Equal(t, string(core.RiskImminent), winner)
	require.NotNil(t, r.TimeToSeizureMinutes)
	assert.GreaterOrEqual(t, *r.TimeToSeizureMinutes, 5.0)
	assert.LessOrEqual(t, *r.TimeToSeizureMinutes, 10.0)
}

func TestSeizureMidRangeProbabilityGradesMedium(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	_, err := c.Classify(seizureFM(t0, interictalFeatures(), 0.3))
	require.NoError(t, err)

	// Every indicator half-elevated against the learned baseline, far
	// enough from the first window for the smoothing to mostly follow:
	// the smoothed probability lands mid-band at MEDIUM.
	res, err := c.Classify(seizureFM(t0.Add(10*time.Minute), map[string]float64{
		"spectral_edge_95": 14, "line_length": 0.625, "plv_mean": 0.375,
		"hjorth_complexity": 0.9, "sample_entropy": 0.75, "beta_coherence": 0.375,
		"spike_rate": 0.55, "feature_velocity": 0.2,
	}, 0.375))
	require.NoError(t, err)
	r := res.(*core.SeizureResult)

	assert.Equal(t, core.RiskMedium, r.RiskLevel)
	assert.Greater(t, r.Probability, 0.35)
	assert.Less(t, r.Probability, 0.60)

	// The probability vector is keyed by the risk grades and agrees with
	// the graded label.
	winner, _ := argmax(r.Probabilities)
	assert.Equal(t, r.Label, winner)
	assert.Equal(t, string(core.RiskMedium), winner)
	assert.Len(t, r.Probabilities, 4)
	assert.Greater(t, r.Probabilities[string(core.RiskMedium)], 0.5)
	assert.Greater(t, r.Probabilities[string(core.RiskLow)], 0.0)
	assertNormalized(t, r.Probabilities)
}

func TestSeizureBaselineFreezesWhileIctal(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	_, err := c.Classify(seizureFM(t0, interictalFeatures(), 0.3))
	require.NoError(t, err)

	// Two consecutive ictal windows: if the baseline absorbed the first
	// one the second would no longer saturate the indicators.
	for i := 1; i <= 3; i++ {
		res, err := c.Classify(seizureFM(t0.Add(time.Duration(i)*2*time.Second), ictalFeatures(), 0.6))
		require.NoError(t, err)
		assert.Equal(t, core.RiskImminent, res.(*core.SeizureResult).RiskLevel, "window %d", i)
	}

	// Recovery: interictal features again, spaced far enough apart for
	// the exponential window to forget the spike.
	var level core.RiskLevel
	for i := 0; i < 5; i++ {
		res, err := c.Classify(seizureFM(t0.Add(time.Hour+time.Duration(i)*10*time.Minute), interictalFeatures(), 0.3))
		require.NoError(t, err)
		level = res.(*core.SeizureResult).RiskLevel
	}
	assert.Equal(t, core.RiskLow, level)
}

func TestSeizureRecentSeizureFactorBounded(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	c.RecordSeizure(t0.Add(-1 * time.Hour))

	res, err := c.Classify(seizureFM(t0, interictalFeatures(), 0.3))
	require.NoError(t, err)
	r := res.(*core.SeizureResult)
	// Indicators are zero on the first window, so the probability is the
	// recency factor alone: bounded by 0.3 and below the MEDIUM line.
	assert.LessOrEqual(t, r.Probability, 0.3)
	assert.Greater(t, r.Probability, 0.2)
	assert.Equal(t, core.RiskLow, r.RiskLevel)
}

func TestSeizureSpatialFocus(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	fm := seizureFM(t0, interictalFeatures(), 0.3)
	fm.Set("spike_rate_by_channel", 0, 0, 0, 0, 0, 5)
	res, err := c.Classify(fm)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, res.(*core.SeizureResult).SpatialFocus)
}

func TestSeizureZeroQualityUnknown(t *testing.T) {
	c := NewSeizurePredictor(SeizureConfig{PatientID: "p1"})
	fm := newFM(t0, map[string]float64{core.FeatureSignalQuality: 0})
	res, err := c.Classify(fm)
	require.NoError(t, err)
	r := res.(*core.SeizureResult)
	assert.Equal(t, core.LabelUnknown, r.Label)
	assert.Equal(t, core.RiskLow, r.RiskLevel)
}
