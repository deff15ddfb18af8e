package core

import (
	"fmt"
	"math"
	"time"
)

// SignalType identifies the physiological signal carried by a packet.
type SignalType string

const (
	SignalEEG   SignalType = "EEG"
	SignalEMG   SignalType = "EMG"
	SignalEOG   SignalType = "EOG"
	SignalECG   SignalType = "ECG"
	SignalACC   SignalType = "ACC"
	SignalOther SignalType = "OTHER"
)

// SamplePacket is one burst of multi-channel samples emitted by a device.
// Data is channel-major: Data[ch][i] is sample i of channel ch. Timestamp
// marks the wall-clock instant of the first sample. Packets are immutable
// once emitted.
type SamplePacket struct {
	Channels     []string    `json:"channels"`
	SamplingRate float64     `json:"sampling_rate_hz"`
	Data         [][]float64 `json:"data"`
	Timestamp    time.Time   `json:"timestamp"`
	DeviceID     string      `json:"device_id"`
	SessionID    string      `json:"session_id"`
	SignalType   SignalType  `json:"signal_type"`
	Source       string      `json:"source"`
}

// SampleCount returns the number of samples per channel.
func (p *SamplePacket) SampleCount() int {
	if len(p.Data) == 0 {
		return 0
	}
	return len(p.Data[0])
}

// Validate checks the packet shape invariants: one data row per channel,
// equal row lengths, and a positive sampling rate.
func (p *SamplePacket) Validate() error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("packet has no channels")
	}
	if len(p.Data) != len(p.Channels) {
		return fmt.Errorf("packet has %d data rows for %d channels", len(p.Data), len(p.Channels))
	}
	n := len(p.Data[0])
	for i, row := range p.Data {
		if len(row) != n {
			return fmt.Errorf("channel %d has %d samples, expected %d", i, len(row), n)
		}
	}
	if p.SamplingRate <= 0 {
		return fmt.Errorf("invalid sampling rate %v", p.SamplingRate)
	}
	return nil
}

// Window is a contiguous (channels × samples) matrix re-assembled from the
// ring buffer. StartTime is the wall-clock instant of the first sample.
type Window struct {
	Channels     []string    `json:"channels"`
	SamplingRate float64     `json:"sampling_rate_hz"`
	Data         [][]float64 `json:"data"`
	StartTime    time.Time   `json:"start_time"`
	DurationMs   float64     `json:"duration_ms"`
}

// SampleCount returns the number of samples per channel in the window.
func (w *Window) SampleCount() int {
	if len(w.Data) == 0 {
		return 0
	}
	return len(w.Data[0])
}

// Finite reports whether every sample in the window is a finite number.
func (w *Window) Finite() bool {
	for _, row := range w.Data {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// FeatureSignalQuality is the reserved feature name carrying the
// extractor's input-quality scalar. An extractor sets it to zero when the
// window contains non-finite values; classifiers answer UNKNOWN for such maps.
const FeatureSignalQuality = "signal_quality"

// FeatureMap holds named real-valued feature arrays produced by one
// extractor over one window. Scalar features are length-1 vectors.
type FeatureMap struct {
	Features     map[string][]float64   `json:"features"`
	Timestamp    time.Time              `json:"timestamp"`
	WindowSizeMs float64                `json:"window_size_ms"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// NewFeatureMap creates an empty feature map stamped with the window origin.
func NewFeatureMap(ts time.Time, windowSizeMs float64) *FeatureMap {
	return &FeatureMap{
		Features:     make(map[string][]float64),
		Timestamp:    ts,
		WindowSizeMs: windowSizeMs,
	}
}

// Set stores a feature vector under name.
func (fm *FeatureMap) Set(name string, values ...float64) {
	fm.Features[name] = values
}

// Scalar returns the first element of the named feature, if present.
func (fm *FeatureMap) Scalar(name string) (float64, bool) {
	v, ok := fm.Features[name]
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// ScalarOr returns the first element of the named feature or a fallback.
func (fm *FeatureMap) ScalarOr(name string, fallback float64) float64 {
	if v, ok := fm.Scalar(name); ok {
		return v
	}
	return fallback
}

// Vector returns the full named feature vector, if present.
func (fm *FeatureMap) Vector(name string) ([]float64, bool) {
	v, ok := fm.Features[name]
	return v, ok && len(v) > 0
}

// SignalQuality returns the extractor's 0..1 quality score. A missing
// score counts as full quality.
func (fm *FeatureMap) SignalQuality() float64 {
	return fm.ScalarOr(FeatureSignalQuality, 1.0)
}
