package features

import (
	"strings"

	"github.com/neuroloop/backend/internal/core"
)

// Extractor turns a sample window into a named feature map. Extractors
// declare their window requirement and keyspace statically; Extract is
// synchronous CPU work. An extractor receiving non-finite samples returns
// a map carrying signal_quality = 0 rather than an error.
type Extractor interface {
	Name() string
	RequiredWindowMs() float64
	FeatureNames() []string
	Extract(w *core.Window) (*core.FeatureMap, error)
}

// Frequency bands in Hz. The sleep extractor adds sigma; the motor
// extractor uses mu and SMR.
type band struct {
	lo, hi float64
}

var (
	bandDelta = band{0.5, 4}
	bandTheta = band{4, 8}
	bandAlpha = band{8, 13}
	bandBeta  = band{13, 30}
	bandGamma = band{30, 45}
	bandSigma = band{11, 15}
	bandMu    = band{8, 12}
	bandSMR   = band{12, 15}
)

// broadband spans the analysis range shared by all extractors.
var broadband = band{0.5, 45}

// Channel-set helpers keyed on 10-20 electrode names. Matching is
// case-insensitive and ignores reference suffixes like "C3-A1".

func normChannel(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexAny(name, "-_ "); i > 0 {
		name = name[:i]
	}
	return name
}

func channelIn(name string, set map[string]bool) bool {
	return set[normChannel(name)]
}

var (
	frontalChannels = map[string]bool{
		"FP1": true, "FP2": true, "FPZ": true,
		"AF3": true, "AF4": true,
		"F3": true, "F4": true, "F7": true, "F8": true, "FZ": true,
	}
	centralChannels = map[string]bool{
		"C3": true, "C4": true, "CZ": true,
		"C1": true, "C2": true, "C5": true, "C6": true,
	}
	leftMotorChannels = map[string]bool{
		"C3": true, "CP3": true, "FC3": true, "C5": true, "C1": true,
	}
	rightMotorChannels = map[string]bool{
		"C4": true, "CP4": true, "FC4": true, "C6": true, "C2": true,
	}
	midlineMotorChannels = map[string]bool{
		"CZ": true, "FCZ": true, "CPZ": true,
	}
	frontoCentralChannels = map[string]bool{
		"FC3": true, "FC4": true, "FCZ": true, "FZ": true, "CZ": true,
	}
	eogChannels = map[string]bool{
		"EOG": true, "EOG1": true, "EOG2": true, "LOC": true, "ROC": true,
		"E1": true, "E2": true,
	}
	emgChannels = map[string]bool{
		"EMG": true, "EMG1": true, "EMG2": true, "CHIN": true, "CHIN1": true, "CHIN2": true,
	}
	ecgChannels = map[string]bool{
		"ECG": true, "EKG": true, "ECG1": true, "ECG2": true,
	}
)

// asymmetryPairs are the left/right homologous pairs used for the general
// alpha asymmetry average.
var asymmetryPairs = [][2]string{
	{"F3", "F4"},
	{"C3", "C4"},
	{"P3", "P4"},
	{"T3", "T4"},
	{"O1", "O2"},
}

// channelIndex finds the row of a named channel, -1 when absent.
func channelIndex(w *core.Window, name string) int {
	want := normChannel(name)
	for i, ch := range w.Channels {
		if normChannel(ch) == want {
			return i
		}
	}
	return -1
}

// indicesIn returns the rows whose channel name falls in the set.
func indicesIn(w *core.Window, set map[string]bool) []int {
	var out []int
	for i, ch := range w.Channels {
		if channelIn(ch, set) {
			out = append(out, i)
		}
	}
	return out
}

// indicesOfType returns EEG rows: everything not labelled EOG/EMG/ECG.
func eegIndices(w *core.Window) []int {
	var out []int
	for i, ch := range w.Channels {
		if channelIn(ch, eogChannels) || channelIn(ch, emgChannels) || channelIn(ch, ecgChannels) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// degraded returns a feature map flagged unusable for windows containing
// non-finite samples.
func degraded(w *core.Window, names []string) *core.FeatureMap {
	fm := core.NewFeatureMap(w.StartTime, w.DurationMs)
	for _, n := range names {
		fm.Set(n, 0)
	}
	fm.Set(core.FeatureSignalQuality, 0)
	return fm
}
