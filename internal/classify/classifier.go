package classify

import (
	"math"
	"sync"

	"github.com/neuroloop/backend/internal/core"
)

// Classifier turns one feature map into one classification result.
// Implementations keep their own smoothing state, so one instance serves
// one stream.
type Classifier interface {
	Kind() core.ClassificationKind
	Classify(fm *core.FeatureMap) (core.Result, error)
}

// confidenceFloor is the shared cutoff below which classifiers answer
// UNKNOWN rather than guess.
const confidenceFloor = 0.3

const eps = 1e-12

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// above scores how far v sits past a lower threshold, in (0, 1).
// slope controls how sharp the transition is.
func above(v, threshold, slope float64) float64 {
	return sigmoid((v - threshold) * slope)
}

// below scores how far v sits under an upper threshold, in (0, 1).
func below(v, threshold, slope float64) float64 {
	return sigmoid((threshold - v) * slope)
}

// normalize scales the score map to sum to 1. All-zero maps become a
// uniform distribution so downstream consumers always see a proper one.
func normalize(scores map[string]float64) map[string]float64 {
	var total float64
	for _, v := range scores {
		if v > 0 {
			total += v
		}
	}
	out := make(map[string]float64, len(scores))
	if total <= 0 {
		u := 1 / float64(len(scores))
		for k := range scores {
			out[k] = u
		}
		return out
	}
	for k, v := range scores {
		if v < 0 {
			v = 0
		}
		out[k] = v / total
	}
	return out
}

func argmax(probs map[string]float64) (string, float64) {
	best, bestV := core.LabelUnknown, math.Inf(-1)
	for k, v := range probs {
		if v > bestV || (v == bestV && k < best) {
			best, bestV = k, v
		}
	}
	if math.IsInf(bestV, -1) {
		return core.LabelUnknown, 0
	}
	return best, bestV
}

// unknown builds the shared degraded answer: UNKNOWN label, zero
// confidence, no probabilities.
func unknown(kind core.ClassificationKind, fm *core.FeatureMap) core.Classification {
	return core.Classification{
		Kind:          kind,
		Timestamp:     fm.Timestamp,
		Label:         core.LabelUnknown,
		Probabilities: map[string]float64{},
		Confidence:    0,
	}
}

// smoother holds the rolling window of recent classifications that the
// mental and motor classifiers blend for temporal stability. Weights are
// the product of each entry's confidence and its linear recency rank, so
// a confident recent window dominates a shaky old one.
type smoother struct {
	depth int

	mu      sync.Mutex
	entries []smoothEntry
}

type smoothEntry struct {
	probs      map[string]float64
	label      string
	confidence float64
}

func newSmoother(depth int) *smoother {
	return &smoother{depth: depth}
}

// push folds the window's raw distribution in and returns the smoothed
// distribution plus a stability score: 1 minus the fraction of
// label flips between consecutive remembered windows.
func (s *smoother) push(probs map[string]float64, confidence float64) (map[string]float64, float64) {
	label, _ := argmax(probs)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, smoothEntry{probs: probs, label: label, confidence: confidence})
	if len(s.entries) > s.depth {
		s.entries = s.entries[len(s.entries)-s.depth:]
	}

	smoothed := make(map[string]float64)
	var wTotal float64
	for i, e := range s.entries {
		w := e.confidence * float64(i+1)
		if w <= 0 {
			continue
		}
		for k, v := range e.probs {
			smoothed[k] += w * v
		}
		wTotal += w
	}
	if wTotal <= 0 {
		return probs, 0
	}
	for k := range smoothed {
		smoothed[k] /= wTotal
	}

	stability := 1.0
	if n := len(s.entries); n > 1 {
		changes := 0
		for i := 1; i < n; i++ {
			if s.entries[i].label != s.entries[i-1].label {
				changes++
			}
		}
		stability = 1 - float64(changes)/float64(n-1)
	}
	return smoothed, stability
}

func (s *smoother) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
