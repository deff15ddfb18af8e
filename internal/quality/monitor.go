package quality

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/metrics"
)

// Source yields raw signal windows for the streams under watch. The
// stream processor satisfies it.
type Source interface {
	Streams() []string
	Window(streamID string, durationMs float64) (*core.Window, error)
}

const (
	DefaultSweepInterval = 5 * time.Second
	DefaultWindowMs      = 2000
)

// MonitorConfig tunes a Monitor. Zero values pick the defaults.
type MonitorConfig struct {
	Interval time.Duration
	WindowMs float64
	Analysis Config
	Metrics  *metrics.Metrics

	// OnSummary receives every per-stream summary as it is produced.
	// OnTransition fires only when a stream's overall level changes
	// between sweeps.
	OnSummary    func(streamID string, summary core.QualitySummary)
	OnTransition func(streamID string, from, to core.QualityLevel)
}

// Monitor periodically grades every active stream and keeps the latest
// summary per stream. The analysis itself stays in the pure functions;
// the monitor only owns the sweep loop and the summary cache.
type Monitor struct {
	source       Source
	interval     time.Duration
	windowMs     float64
	analysis     Config
	metrics      *metrics.Metrics
	onSummary    func(string, core.QualitySummary)
	onTransition func(string, core.QualityLevel, core.QualityLevel)
	logger       *log.Logger

	mu     sync.RWMutex
	latest map[string]core.QualitySummary

	stopCh chan struct{}
}

func NewMonitor(source Source, cfg MonitorConfig) (*Monitor, error) {
	if source == nil {
		return nil, fmt.Errorf("quality: monitor requires a source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = DefaultWindowMs
	}
	if cfg.Analysis.SamplingRate <= 0 {
		cfg.Analysis = DefaultConfig()
	}
	return &Monitor{
		source:       source,
		interval:     cfg.Interval,
		windowMs:     cfg.WindowMs,
		analysis:     cfg.Analysis,
		metrics:      cfg.Metrics,
		onSummary:    cfg.OnSummary,
		onTransition: cfg.OnTransition,
		logger:       log.New(os.Stdout, "[QUALITY] ", log.LstdFlags),
		latest:       make(map[string]core.QualitySummary),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the sweep loop. Call at most once.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Printf("Started quality monitor (interval=%s, window=%.0fms)", m.interval, m.windowMs)

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			m.logger.Println("Quality monitor stopped")
			return
		}
	}
}

// Sweep grades every active stream once and returns the refreshed
// summaries. Streams whose buffers cannot fill the analysis window yet
// are skipped; streams gone from the source are forgotten.
func (m *Monitor) Sweep() map[string]core.QualitySummary {
	streams := m.source.Streams()
	seen := make(map[string]bool, len(streams))
	fresh := make(map[string]core.QualitySummary, len(streams))

	for _, streamID := range streams {
		seen[streamID] = true
		window, err := m.source.Window(streamID, m.windowMs)
		if err != nil {
			continue
		}
		cfg := m.analysis
		if window.SamplingRate > 0 {
			cfg.SamplingRate = window.SamplingRate
		}
		summary := Analyze(window, cfg)
		fresh[streamID] = summary
		for _, cq := range summary.Channels {
			m.metrics.SetChannelSNR(streamID, cq.Channel, cq.SNRDb)
		}
	}

	m.mu.Lock()
	transitions := make(map[string][2]core.QualityLevel)
	for streamID, summary := range fresh {
		if prev, ok := m.latest[streamID]; ok && prev.Overall != summary.Overall {
			transitions[streamID] = [2]core.QualityLevel{prev.Overall, summary.Overall}
		}
		m.latest[streamID] = summary
	}
	for streamID := range m.latest {
		if !seen[streamID] {
			delete(m.latest, streamID)
		}
	}
	m.mu.Unlock()

	for streamID, levels := range transitions {
		from, to := levels[0], levels[1]
		if core.WorseQuality(from, to) == to {
			m.logger.Printf("⚠️ stream %s quality degraded: %s → %s", streamID, from, to)
		} else {
			m.logger.Printf("stream %s quality recovered: %s → %s", streamID, from, to)
		}
		if m.onTransition != nil {
			m.onTransition(streamID, from, to)
		}
	}
	if m.onSummary != nil {
		for streamID, summary := range fresh {
			m.onSummary(streamID, summary)
		}
	}
	return fresh
}

// Latest returns a copy of the most recent summary per stream.
func (m *Monitor) Latest() map[string]core.QualitySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.QualitySummary, len(m.latest))
	for streamID, summary := range m.latest {
		out[streamID] = summary
	}
	return out
}

// StreamSummary returns the latest summary for one stream.
func (m *Monitor) StreamSummary(streamID string) (core.QualitySummary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary, ok := m.latest[streamID]
	return summary, ok
}
