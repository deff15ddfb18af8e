package core

// QualityLevel grades signal quality from best to worst.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "EXCELLENT"
	QualityGood      QualityLevel = "GOOD"
	QualityFair      QualityLevel = "FAIR"
	QualityPoor      QualityLevel = "POOR"
	QualityBad       QualityLevel = "BAD"
)

// qualityRank orders levels so the worst channel dominates a summary.
var qualityRank = map[QualityLevel]int{
	QualityExcellent: 0,
	QualityGood:      1,
	QualityFair:      2,
	QualityPoor:      3,
	QualityBad:       4,
}

// WorseQuality returns the worse of two levels.
func WorseQuality(a, b QualityLevel) QualityLevel {
	if qualityRank[a] >= qualityRank[b] {
		return a
	}
	return b
}

// ChannelQuality is the per-channel signal quality scored over one window.
type ChannelQuality struct {
	Channel        string       `json:"channel"`
	SNRDb          float64      `json:"snr_db"`
	RMSAmplitude   float64      `json:"rms_amplitude"`
	LineNoiseRatio float64      `json:"line_noise_ratio"`
	ArtifactCount  int          `json:"artifact_count"`
	Level          QualityLevel `json:"quality_level"`
}

// ImpedanceResult is the measured electrode impedance for one channel.
type ImpedanceResult struct {
	Channel       string       `json:"channel"`
	ImpedanceOhms float64      `json:"impedance_ohms"`
	Level         QualityLevel `json:"quality_level"`
}

// QualitySummary aggregates channel quality across a window. Overall is
// the worst per-channel level.
type QualitySummary struct {
	Channels    []ChannelQuality     `json:"channels"`
	Overall     QualityLevel         `json:"overall"`
	MeanSNRDb   float64              `json:"mean_snr_db"`
	MinSNRDb    float64              `json:"min_snr_db"`
	LevelCounts map[QualityLevel]int `json:"level_counts"`
}
