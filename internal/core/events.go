package core

import "time"

// EventType enumerates the wire-visible ledger event types. The strings
// are stable and never reformatted.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionStarted EventType = "session.started"
	EventSessionPaused  EventType = "session.paused"
	EventSessionResumed EventType = "session.resumed"
	EventSessionEnded   EventType = "session.ended"
	EventSessionError   EventType = "session.error"

	EventDataIngested     EventType = "data.ingested"
	EventDataProcessed    EventType = "data.processed"
	EventDataStored       EventType = "data.stored"
	EventDataQualityCheck EventType = "data.quality_check"
	EventDataExported     EventType = "data.exported"

	EventDeviceDiscovered     EventType = "device.discovered"
	EventDevicePaired         EventType = "device.paired"
	EventDeviceConnected      EventType = "device.connected"
	EventDeviceDisconnected   EventType = "device.disconnected"
	EventDeviceError          EventType = "device.error"
	EventDeviceImpedanceCheck EventType = "device.impedance_check"

	EventModelLoaded   EventType = "ml.model_loaded"
	EventMLInference   EventType = "ml.inference"
	EventMLCalibration EventType = "ml.calibration"
	EventMLPerformance EventType = "ml.performance"

	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"

	EventAccessGranted EventType = "access.granted"
	EventAccessDenied  EventType = "access.denied"
)

// GenesisHash anchors the first event of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the canonical event timestamp layout: ISO-8601 UTC
// with millisecond resolution. Lexicographic order equals time order, which
// the row-KV reverse keys and warehouse range scans depend on.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical event layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a canonical event timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampFormat, s)
}

// LedgerEvent is one append-only audit record. EventHash covers the
// canonical serialisation of every field except the hash and signature
// fields themselves; PreviousHash links the global chain. No field mutates
// after emission.
type LedgerEvent struct {
	EventID      string                 `json:"event_id"`
	Timestamp    string                 `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	SessionID    string                 `json:"session_id,omitempty"`
	DeviceID     string                 `json:"device_id,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	DataHash     string                 `json:"data_hash,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EventHash    string                 `json:"event_hash"`
	Signature    string                 `json:"signature,omitempty"`
	SigningKeyID string                 `json:"signing_key_id,omitempty"`
}

// Clock is the wall-clock source. Production code uses RealClock; tests
// inject fixed clocks so event hashes stay deterministic.
type Clock interface {
	Now() time.Time
}

// RealClock returns UTC truncated to millisecond resolution.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
