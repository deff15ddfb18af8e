package sdk

import "time"

// Session state constants
const (
	// SessionActive — recording, events are attributed to this session
	SessionActive = "active"

	// SessionPaused — session exists but new data is not attributed
	SessionPaused = "paused"

	// SessionEnded — terminal; the session cannot be resumed
	SessionEnded = "ended"
)

// Device connection states as reported by the backend
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateStreaming    = "STREAMING"
	StateError        = "ERROR"
)

// Signal quality grades, best to worst
const (
	QualityExcellent = "EXCELLENT"
	QualityGood      = "GOOD"
	QualityFair      = "FAIR"
	QualityPoor      = "POOR"
	QualityBad       = "BAD"
)

// Session is a recording session on the backend.
type Session struct {
	// ID is the server-assigned session identifier
	ID string `json:"id"`

	// UserID is the subject the session belongs to
	UserID string `json:"user_id"`

	// Name is an optional human-readable label
	Name string `json:"name,omitempty"`

	// State is one of SessionActive, SessionPaused, SessionEnded
	State string `json:"state"`

	// StartedAt is when the session was created
	StartedAt time.Time `json:"started_at"`

	// EndedAt is set once the session reaches SessionEnded
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// DeviceStatus is one registered acquisition device.
type DeviceStatus struct {
	DeviceID     string   `json:"device_id"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Channels     []string `json:"channels"`
	SamplingRate float64  `json:"sampling_rate_hz"`
	Paired       bool     `json:"paired"`
}

// DiscoveredDevice is a device found by a discovery scan. Pass its
// UniqueID to ConnectDevice to register and connect it in one step.
type DiscoveredDevice struct {
	Type           string                 `json:"type"`
	Name           string                 `json:"name"`
	Protocol       string                 `json:"protocol"`
	ConnectionInfo map[string]string      `json:"connection_info"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	UniqueID       string                 `json:"unique_id"`
}

// DiscoveryResult is the response of a discovery scan.
type DiscoveryResult struct {
	Count   int                `json:"count"`
	Devices []DiscoveredDevice `json:"devices"`
}

// ConnectOptions carries transport-specific connection parameters.
// Synthetic devices ignore both fields; WiFi devices expect Address as
// host:port; LSL and serial devices read their target from Params.
type ConnectOptions struct {
	Address string            `json:"address,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// DeviceState is the response of connect, disconnect and stream
// start/stop calls.
type DeviceState struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
}

// ImpedanceResult is the measured electrode impedance for one channel.
type ImpedanceResult struct {
	Channel       string  `json:"channel"`
	ImpedanceOhms float64 `json:"impedance_ohms"`
	Level         string  `json:"quality_level"`
}

// ImpedanceReport is the response of an impedance check across all
// electrodes of a device.
type ImpedanceReport struct {
	DeviceID   string                     `json:"device_id"`
	Channels   map[string]ImpedanceResult `json:"channels"`
	WorstLevel string                     `json:"worst_level"`
}

// PairingTicket is returned when a pairing is created for a device.
// The code is shown once; the secret half is stored hashed server-side.
type PairingTicket struct {
	DeviceID    string `json:"device_id"`
	PairingCode string `json:"pairing_code"`
}

// PairingStatus reports whether a device is paired after a pairing
// completion or revocation.
type PairingStatus struct {
	DeviceID string `json:"device_id"`
	Paired   bool   `json:"paired"`
}

// SampleBatch is one channel-major burst of samples for the ingest
// endpoint: Data[ch][i] is sample i of channel ch. Timestamp marks the
// first sample and defaults to server time when omitted.
type SampleBatch struct {
	Channels     []string    `json:"channels"`
	SamplingRate float64     `json:"sampling_rate_hz"`
	SignalType   string      `json:"signal_type,omitempty"`
	Source       string      `json:"source,omitempty"`
	Timestamp    *time.Time  `json:"timestamp,omitempty"`
	Data         [][]float64 `json:"data"`
}

// IngestResult acknowledges one pushed batch. Results counts the
// classification envelopes the batch triggered, which is usually zero
// between cadence ticks.
type IngestResult struct {
	Stream  string `json:"stream"`
	Samples int    `json:"samples"`
	Results int    `json:"results"`
}

// ChannelQuality is the per-channel signal quality assessment.
type ChannelQuality struct {
	Channel        string  `json:"channel"`
	SNRDb          float64 `json:"snr_db"`
	RMSAmplitude   float64 `json:"rms_amplitude"`
	LineNoiseRatio float64 `json:"line_noise_ratio"`
	ArtifactCount  int     `json:"artifact_count"`
	Level          string  `json:"quality_level"`
}

// QualitySummary aggregates channel quality for one stream.
type QualitySummary struct {
	Channels    []ChannelQuality `json:"channels"`
	Overall     string           `json:"overall"`
	MeanSNRDb   float64          `json:"mean_snr_db"`
	MinSNRDb    float64          `json:"min_snr_db"`
	LevelCounts map[string]int   `json:"level_counts"`
}

// QualityOverview is the latest quality summary per monitored stream.
type QualityOverview struct {
	Streams map[string]QualitySummary `json:"streams"`
}

// LedgerEvent is one hash-chained audit event.
type LedgerEvent struct {
	// EventID is the unique event identifier
	EventID string `json:"event_id"`

	// Timestamp is the event time in the ledger's millisecond UTC format
	Timestamp string `json:"timestamp"`

	// EventType is the dotted event name (e.g. "session.created")
	EventType string `json:"event_type"`

	SessionID string                 `json:"session_id,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	DataHash  string                 `json:"data_hash,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// PreviousHash links this event to its predecessor; the first event
	// links to the all-zero genesis hash
	PreviousHash string `json:"previous_hash"`

	// EventHash is the SHA-256 over the canonical event content
	EventHash string `json:"event_hash"`

	// Signature and SigningKeyID are present on signed critical events
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`
}

// EventList is a page of ledger events.
type EventList struct {
	SessionID string        `json:"session_id,omitempty"`
	Count     int           `json:"count"`
	Events    []LedgerEvent `json:"events"`
}

// VerificationReport is the result of a chain integrity check.
type VerificationReport struct {
	// Valid is true when every link and every recomputed hash matched
	Valid bool `json:"valid"`

	// EventCount is how many events the window contained
	EventCount int `json:"event_count"`

	// FirstBreakIndex is the index of the first broken event, -1 when
	// the chain is intact
	FirstBreakIndex int `json:"first_break_index"`

	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	MerkleRoot string `json:"merkle_root,omitempty"`
	VerifiedAt string `json:"verified_at"`
}

// WebhookSubscription registers an HTTP callback for alert and session
// events. Leave ID empty on registration; the server assigns it.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

// StreamEvent types pushed over the results websocket
const (
	// StreamEventClassification — a classifier produced a result
	StreamEventClassification = "classification"

	// StreamEventQuality — a quality sweep completed for a stream
	StreamEventQuality = "quality"

	// StreamEventAlert — an alert fired (seizure risk, chain violation, ...)
	StreamEventAlert = "alert"
)

// StreamEvent is one frame from the results websocket.
type StreamEvent struct {
	// Type is one of the StreamEvent constants
	Type string `json:"type"`

	// Stream identifies the signal stream the event belongs to
	Stream string `json:"stream"`

	// Timestamp is when the backend emitted the frame
	Timestamp time.Time `json:"timestamp"`

	// Data is type-specific: classification frames carry "pair",
	// "result" and "latency_ms"; quality frames carry "summary";
	// alert frames carry "alert_type" plus alert fields
	Data map[string]interface{} `json:"data"`
}
