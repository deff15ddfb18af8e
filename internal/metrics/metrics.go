package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signal platform. Create it
// once at process start; methods are safe on a nil receiver so wiring can
// leave metrics out (tests, probes).
type Metrics struct {
	// Ingestion metrics
	PacketsIngested *prometheus.CounterVec
	SamplesIngested *prometheus.CounterVec
	SignalQuality   *prometheus.GaugeVec

	// Classification metrics
	ClassificationLatency *prometheus.HistogramVec
	ClassificationTotal   *prometheus.CounterVec
	ClassificationErrors  *prometheus.CounterVec
	WindowMisses          *prometheus.CounterVec

	// Device metrics
	DeviceState *prometheus.GaugeVec

	// Ledger metrics
	LedgerEvents       *prometheus.CounterVec
	TierWriteDuration  *prometheus.HistogramVec
	TierWriteFailures  *prometheus.CounterVec
	TierWriteRetries   *prometheus.CounterVec
	ChainVerifications *prometheus.CounterVec

	// Alerting metrics
	AlertsDispatched *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Packets per stream
		PacketsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_packets_ingested_total",
				Help: "Total sample packets accepted into ring buffers",
			},
			[]string{"stream"},
		),

		// Samples per stream
		SamplesIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_samples_ingested_total",
				Help: "Total per-channel samples accepted into ring buffers",
			},
			[]string{"stream"},
		),

		// Per-channel SNR gauge
		SignalQuality: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neuroloop_signal_snr_db",
				Help: "Most recent per-channel SNR estimate in dB",
			},
			[]string{"stream", "channel"},
		),

		// End-to-end classification latency
		ClassificationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neuroloop_classification_latency_seconds",
				Help:    "Window assembly + extraction + classification latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"stream", "pair"},
		),

		// Classification outcomes
		ClassificationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_classifications_total",
				Help: "Total classification results emitted",
			},
			[]string{"pair", "label"},
		),

		// Isolated pair failures
		ClassificationErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_classification_errors_total",
				Help: "Extractor or classifier failures isolated per pair",
			},
			[]string{"pair"},
		),

		// Window shortfalls (buffer not yet long enough)
		WindowMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_window_misses_total",
				Help: "Classification ticks skipped because the buffer was too short",
			},
			[]string{"pair"},
		),

		// Device connection state (one-hot per state label)
		DeviceState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neuroloop_device_state",
				Help: "Device state indicator, 1 for the current state",
			},
			[]string{"device", "state"},
		),

		// Ledger pipeline outcomes
		LedgerEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_ledger_events_total",
				Help: "Ledger events by processing outcome",
			},
			[]string{"event_type", "status"}, // status: accepted, dropped_parse, dropped_signature, duplicate
		),

		// Per-tier write latency
		TierWriteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neuroloop_tier_write_duration_seconds",
				Help:    "Storage write latency per tier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),

		// Per-tier write failures
		TierWriteFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_tier_write_failures_total",
				Help: "Storage write failures per tier",
			},
			[]string{"tier"},
		),

		// Per-tier retry attempts
		TierWriteRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_tier_write_retries_total",
				Help: "Storage write retries per tier",
			},
			[]string{"tier"},
		),

		// Chain verification outcomes
		ChainVerifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_chain_verifications_total",
				Help: "Hash chain verification runs by result",
			},
			[]string{"result"}, // result: valid, broken
		),

		// Alert webhook deliveries
		AlertsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neuroloop_alerts_dispatched_total",
				Help: "Alert deliveries by severity and outcome",
			},
			[]string{"severity", "status"}, // status: delivered, failed
		),
	}
}

// RecordPacket counts an accepted packet and its samples.
func (m *Metrics) RecordPacket(stream string, samples int) {
	if m == nil {
		return
	}
	m.PacketsIngested.WithLabelValues(stream).Inc()
	m.SamplesIngested.WithLabelValues(stream).Add(float64(samples))
}

// SetChannelSNR publishes the latest quality estimate for a channel.
func (m *Metrics) SetChannelSNR(stream, channel string, snrDb float64) {
	if m == nil {
		return
	}
	m.SignalQuality.WithLabelValues(stream, channel).Set(snrDb)
}

// RecordClassification records an emitted result and its latency.
func (m *Metrics) RecordClassification(stream, pair, label string, seconds float64) {
	if m == nil {
		return
	}
	m.ClassificationLatency.WithLabelValues(stream, pair).Observe(seconds)
	m.ClassificationTotal.WithLabelValues(pair, label).Inc()
}

// RecordClassifierError counts an isolated pair failure.
func (m *Metrics) RecordClassifierError(pair string) {
	if m == nil {
		return
	}
	m.ClassificationErrors.WithLabelValues(pair).Inc()
}

// RecordWindowMiss counts a skipped tick for a pair.
func (m *Metrics) RecordWindowMiss(pair string) {
	if m == nil {
		return
	}
	m.WindowMisses.WithLabelValues(pair).Inc()
}

// SetDeviceState flips the one-hot device state gauge.
func (m *Metrics) SetDeviceState(device, state string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.DeviceState.WithLabelValues(device, state).Set(v)
}

// RecordLedgerEvent counts a ledger pipeline outcome.
func (m *Metrics) RecordLedgerEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.LedgerEvents.WithLabelValues(eventType, status).Inc()
}

// RecordTierWrite records one storage write attempt.
func (m *Metrics) RecordTierWrite(tier string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.TierWriteDuration.WithLabelValues(tier).Observe(seconds)
	if err != nil {
		m.TierWriteFailures.WithLabelValues(tier).Inc()
	}
}

// RecordTierRetry counts a retry attempt for a tier.
func (m *Metrics) RecordTierRetry(tier string) {
	if m == nil {
		return
	}
	m.TierWriteRetries.WithLabelValues(tier).Inc()
}

// RecordChainVerification records a verification run.
func (m *Metrics) RecordChainVerification(valid bool) {
	if m == nil {
		return
	}
	result := "broken"
	if valid {
		result = "valid"
	}
	m.ChainVerifications.WithLabelValues(result).Inc()
}

// RecordAlert records an alert delivery outcome.
func (m *Metrics) RecordAlert(severity string, delivered bool) {
	if m == nil {
		return
	}
	status := "failed"
	if delivered {
		status = "delivered"
	}
	m.AlertsDispatched.WithLabelValues(severity, status).Inc()
}
