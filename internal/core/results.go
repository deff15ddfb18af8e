package core

import "time"

// ClassificationKind discriminates result variants on the wire.
type ClassificationKind string

const (
	KindMentalState  ClassificationKind = "mental_state"
	KindSleepStage   ClassificationKind = "sleep_stage"
	KindMotorImagery ClassificationKind = "motor_imagery"
	KindSeizure      ClassificationKind = "seizure"
)

// LabelUnknown is the shared fallback label every classifier answers when
// the input quality is zero or its confidence floor is not met.
const LabelUnknown = "UNKNOWN"

// MentalState labels.
const (
	MentalFocus      = "FOCUS"
	MentalRelaxation = "RELAXATION"
	MentalStress     = "STRESS"
	MentalNeutral    = "NEUTRAL"
)

// Sleep stage labels (AASM).
const (
	StageWake = "WAKE"
	StageN1   = "N1"
	StageN2   = "N2"
	StageN3   = "N3"
	StageREM  = "REM"
)

// Motor imagery intent labels.
const (
	IntentLeftHand  = "LEFT_HAND"
	IntentRightHand = "RIGHT_HAND"
	IntentFeet      = "FEET"
	IntentTongue    = "TONGUE"
	IntentRest      = "REST"
)

// RiskLevel grades seizure risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskImminent RiskLevel = "IMMINENT"
)

// Classification is the part shared by every result variant. Probabilities
// sum to 1 within 1e-6 and Label is the argmax winner. UNKNOWN results
// keep their sub-floor distribution, or carry an empty map when the input
// quality was zero.
type Classification struct {
	Kind          ClassificationKind     `json:"kind"`
	Timestamp     time.Time              `json:"timestamp"`
	Label         string                 `json:"label"`
	Probabilities map[string]float64     `json:"probabilities"`
	Confidence    float64                `json:"confidence"`
	LatencyMs     float64                `json:"latency_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Base returns the shared classification fields; it makes every variant
// satisfy the Result interface through embedding.
func (c *Classification) Base() *Classification { return c }

// Result is implemented by every classification variant.
type Result interface {
	Base() *Classification
}

// MentalStateResult adds the affective dimensions of the mental model.
type MentalStateResult struct {
	Classification
	Arousal   float64 `json:"arousal"`
	Valence   float64 `json:"valence"`
	Attention float64 `json:"attention"`
}

// SleepStageResult adds the epoch bookkeeping of the sleep model.
type SleepStageResult struct {
	Classification
	EpochNumber           int     `json:"epoch_number"`
	SleepDepth            float64 `json:"sleep_depth"`
	TransitionProbability float64 `json:"transition_probability"`
}

// MotorImageryResult adds the control vector of the motor model.
// ControlSignal is bounded to the unit disk.
type MotorImageryResult struct {
	Classification
	ControlSignal  [2]float64 `json:"control_signal"`
	ERDScore       float64    `json:"erd_ers_score"`
	SpatialPattern []float64  `json:"spatial_pattern,omitempty"`
}

// SeizureResult adds the risk grading of the seizure predictor.
// TimeToSeizureMinutes is populated only when RiskLevel is HIGH or IMMINENT.
type SeizureResult struct {
	Classification
	RiskLevel            RiskLevel `json:"risk_level"`
	Probability          float64   `json:"probability"`
	TimeToSeizureMinutes *float64  `json:"time_to_seizure_minutes,omitempty"`
	SpatialFocus         []int     `json:"spatial_focus,omitempty"`
	PatientID            string    `json:"patient_id"`
}
