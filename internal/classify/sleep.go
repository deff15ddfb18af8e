package classify

import (
	"sync"

	"github.com/neuroloop/backend/internal/core"
)

// stageTransitions is the fixed Markov prior over stage successions,
// indexed [previous][next]. Rows sum to 1.
var stageTransitions = map[string]map[string]float64{
	core.StageWake: {core.StageWake: 0.70, core.StageN1: 0.25, core.StageN2: 0.03, core.StageN3: 0.01, core.StageREM: 0.01},
	core.StageN1:   {core.StageWake: 0.15, core.StageN1: 0.40, core.StageN2: 0.40, core.StageN3: 0.02, core.StageREM: 0.03},
	core.StageN2:   {core.StageWake: 0.05, core.StageN1: 0.10, core.StageN2: 0.65, core.StageN3: 0.15, core.StageREM: 0.05},
	core.StageN3:   {core.StageWake: 0.03, core.StageN1: 0.02, core.StageN2: 0.25, core.StageN3: 0.68, core.StageREM: 0.02},
	core.StageREM:  {core.StageWake: 0.10, core.StageN1: 0.10, core.StageN2: 0.15, core.StageN3: 0.02, core.StageREM: 0.63},
}

// markovBlend mixes feature evidence with the transition prior.
const (
	featureWeight    = 0.7
	transitionWeight = 0.3
	instabilityDepth = 10
)

// SleepStage scores each epoch against AASM-style rules, then blends with
// the Markov row of the previously emitted stage. It counts epochs and
// tracks recent stage flips for the transition-probability output.
type SleepStage struct {
	mu        sync.Mutex
	prevStage string
	epoch     int
	recent    []string
}

func NewSleepStage() *SleepStage { return &SleepStage{} }

func (s *SleepStage) Kind() core.ClassificationKind { return core.KindSleepStage }

func (s *SleepStage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevStage = ""
	s.epoch = 0
	s.recent = nil
}

func (s *SleepStage) Classify(fm *core.FeatureMap) (core.Result, error) {
	if fm.SignalQuality() == 0 {
		s.mu.Lock()
		s.epoch++
		epoch := s.epoch
		s.mu.Unlock()
		return &core.SleepStageResult{
			Classification: unknown(core.KindSleepStage, fm),
			EpochNumber:    epoch,
		}, nil
	}

	alphaRel := fm.ScalarOr("alpha_rel", 0)
	thetaRel := fm.ScalarOr("theta_rel", 0)
	deltaRel := fm.ScalarOr("delta_rel", 0)
	spindles := fm.ScalarOr("spindle_density", 0)
	kComplexes := fm.ScalarOr("k_complex_count", 0)
	vertex := fm.ScalarOr("vertex_wave_count", 0)
	swFraction := fm.ScalarOr("slow_wave_fraction", 0)
	remDensity := fm.ScalarOr("rem_density", 0)
	semRatio := fm.ScalarOr("sem_ratio", 0)
	atonia := fm.ScalarOr("emg_atonia", 0.5)
	emgRMS := fm.ScalarOr("emg_rms", 0)
	emgPresent := fm.ScalarOr("emg_present", 0) > 0

	wake := above(alphaRel, 0.4, 8) + above(fm.ScalarOr("beta_rel", 0), 0.2, 8)
	wakeTerms := 2.0
	if emgPresent {
		wake += above(emgRMS, 15, 0.3)
		wakeTerms++
	}
	wake /= wakeTerms

	n1 := (above(thetaRel, 0.3, 8) + below(alphaRel, 0.3, 8) +
		above(vertex, 0.5, 2) + above(semRatio, 0.5, 4)) / 4

	spindleEvidence := above(spindles, 1, 2)
	if kc := above(kComplexes, 0.5, 3); kc > spindleEvidence {
		spindleEvidence = kc
	}
	n2 := (spindleEvidence + below(swFraction, 0.2, 10)) / 2

	n3 := (above(swFraction, 0.2, 12) + above(deltaRel, 0.5, 6)) / 2

	rem := (above(remDensity, 0.3, 6) + above(atonia, 0.7, 8) +
		above(thetaRel, 0.2, 6) + below(alphaRel, 0.3, 6)) / 4

	probs := normalize(map[string]float64{
		core.StageWake: wake,
		core.StageN1:   n1,
		core.StageN2:   n2,
		core.StageN3:   n3,
		core.StageREM:  rem,
	})

	s.mu.Lock()
	if s.prevStage != "" {
		row := stageTransitions[s.prevStage]
		blended := make(map[string]float64, len(probs))
		for stage, p := range probs {
			blended[stage] = featureWeight*p + transitionWeight*row[stage]
		}
		probs = normalize(blended)
	}
	s.epoch++
	epoch := s.epoch

	label, _ := argmax(probs)
	s.prevStage = label
	s.recent = append(s.recent, label)
	if len(s.recent) > instabilityDepth {
		s.recent = s.recent[len(s.recent)-instabilityDepth:]
	}
	instability := 0.0
	if n := len(s.recent); n > 1 {
		changes := 0
		for i := 1; i < n; i++ {
			if s.recent[i] != s.recent[i-1] {
				changes++
			}
		}
		instability = float64(changes) / float64(n-1)
	}
	s.mu.Unlock()

	confidence := winnerMargin(probs)
	cls := core.Classification{
		Kind:          core.KindSleepStage,
		Timestamp:     fm.Timestamp,
		Label:         label,
		Probabilities: probs,
		Confidence:    confidence,
	}
	if confidence < confidenceFloor {
		cls.Label = core.LabelUnknown
	}

	stayProb := stageTransitions[label][label]
	transition := (1 - stayProb) * (1 + instability)
	if transition > 1 {
		transition = 1
	}

	return &core.SleepStageResult{
		Classification:        cls,
		EpochNumber:           epoch,
		SleepDepth:            sleepDepth(label, deltaRel),
		TransitionProbability: transition,
	}, nil
}

// sleepDepth maps stages onto a 0..1 depth scale; N3 deepens with the
// delta fraction.
func sleepDepth(stage string, deltaRel float64) float64 {
	switch stage {
	case core.StageWake:
		return 0
	case core.StageN1:
		return 0.2
	case core.StageN2:
		return 0.5
	case core.StageN3:
		return 0.7 + 0.3*clamp01(deltaRel)
	case core.StageREM:
		return 0.3
	default:
		return 0
	}
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
