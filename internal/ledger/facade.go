package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/events"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/internal/storage"
)

// Config wires the ledger facade.
type Config struct {
	Queue     events.EventEmitter
	Warehouse storage.WarehouseStore
	Signer    *EventSigner
	Clock     core.Clock
	Metrics   *metrics.Metrics
}

// Ledger is the single emission point for audit events. It owns the chain
// cursor: every event's PreviousHash is handed out here, under one mutex,
// so chain order is exactly emission order.
type Ledger struct {
	queue     events.EventEmitter
	warehouse storage.WarehouseStore
	signer    *EventSigner
	clock     core.Clock
	metrics   *metrics.Metrics
	logger    *log.Logger

	mu            sync.Mutex
	started       bool
	lastEventHash string
}

// New creates the facade. Start must be called before LogEvent.
func New(cfg Config) (*Ledger, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("ledger: queue is required")
	}
	if cfg.Warehouse == nil {
		return nil, fmt.Errorf("ledger: warehouse is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}

	return &Ledger{
		queue:     cfg.Queue,
		warehouse: cfg.Warehouse,
		signer:    cfg.Signer,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}, nil
}

// Start loads the chain cursor from the warehouse tail, or genesis when the
// warehouse is empty. Calling Start twice is a no-op.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	tail, err := l.warehouse.LatestEventHash(ctx)
	if err != nil {
		return fmt.Errorf("load chain cursor: %w", err)
	}
	if tail == "" {
		tail = core.GenesisHash
		l.logger.Printf("🧱 Chain cursor initialised at genesis")
	} else {
		l.logger.Printf("🔗 Chain cursor resumed at %s", shortHash(tail))
	}

	l.lastEventHash = tail
	l.started = true
	return nil
}

// LastEventHash returns the current chain cursor.
func (l *Ledger) LastEventHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEventHash
}

// EventOption sets optional fields on an event under construction.
type EventOption func(*core.LedgerEvent)

// WithSession attaches the session the event belongs to.
func WithSession(sessionID string) EventOption {
	return func(e *core.LedgerEvent) { e.SessionID = sessionID }
}

// WithDevice attaches the originating device.
func WithDevice(deviceID string) EventOption {
	return func(e *core.LedgerEvent) { e.DeviceID = deviceID }
}

// WithUser attaches the acting user.
func WithUser(userID string) EventOption {
	return func(e *core.LedgerEvent) { e.UserID = userID }
}

// WithDataHash attaches the SHA-256 of the data the event attests.
func WithDataHash(hash string) EventOption {
	return func(e *core.LedgerEvent) { e.DataHash = hash }
}

// WithMetadata merges fields into the event metadata. The map is copied:
// events are append-only and must not alias caller state.
func WithMetadata(meta map[string]interface{}) EventOption {
	return func(e *core.LedgerEvent) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{}, len(meta))
		}
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
}

// WithMetadataField sets a single metadata field.
func WithMetadataField(key string, value interface{}) EventOption {
	return func(e *core.LedgerEvent) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{}, 1)
		}
		e.Metadata[key] = value
	}
}

// LogEvent constructs, chains, signs, and enqueues one audit event, then
// advances the cursor. Build, hash, sign, publish, and swap form a single
// critical section; a failed publish leaves the cursor untouched so the
// next emission reuses the chain position. Blocks under queue back-pressure.
func (l *Ledger) LogEvent(ctx context.Context, eventType core.EventType, opts ...EventOption) (*core.LedgerEvent, error) {
	event := &core.LedgerEvent{
		EventID:   uuid.NewString(),
		Timestamp: core.FormatTimestamp(l.clock.Now()),
		EventType: eventType,
	}
	for _, opt := range opts {
		opt(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil, fmt.Errorf("ledger: not started")
	}

	event.PreviousHash = l.lastEventHash
	hash, err := ComputeEventHash(event, event.PreviousHash)
	if err != nil {
		return nil, err
	}
	event.EventHash = hash

	if RequiresSignature(eventType) {
		if l.signer == nil {
			return nil, fmt.Errorf("ledger: %s requires a signer", eventType)
		}
		if err := l.signer.SignEvent(ctx, event); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serialize event %s: %w", event.EventID, err)
	}
	if err := l.queue.Publish(ctx, payload); err != nil {
		return nil, fmt.Errorf("enqueue event %s: %w", event.EventID, err)
	}

	l.lastEventHash = event.EventHash
	return event, nil
}

// VerificationReport summarises one chain-integrity run.
type VerificationReport struct {
	Valid           bool   `json:"valid"`
	EventCount      int    `json:"event_count"`
	FirstBreakIndex int    `json:"first_break_index"` // -1 when intact
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	MerkleRoot      string `json:"merkle_root,omitempty"`
	VerifiedAt      string `json:"verified_at"`
}

// VerifyChainIntegrity loads the warehouse events in [start, end] and
// verifies linkage and hashes across them. A range anchored at time zero
// must additionally begin at genesis. Violations are logged critical and
// counted; the chain is never auto-repaired.
func (l *Ledger) VerifyChainIntegrity(ctx context.Context, start, end time.Time) (*VerificationReport, error) {
	rangeEvents, err := l.warehouse.EventsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load chain range: %w", err)
	}

	valid, breakIdx := VerifyChain(rangeEvents)
	if valid && len(rangeEvents) > 0 && isEpochStart(start) && rangeEvents[0].PreviousHash != core.GenesisHash {
		valid, breakIdx = false, 0
	}

	l.metrics.RecordChainVerification(valid)
	if !valid {
		l.logger.Printf("🚨 CHAIN VIOLATION: first break at index %d of %d events", breakIdx, len(rangeEvents))
	}

	return &VerificationReport{
		Valid:           valid,
		EventCount:      len(rangeEvents),
		FirstBreakIndex: breakIdx,
		StartTime:       core.FormatTimestamp(start),
		EndTime:         core.FormatTimestamp(end),
		MerkleRoot:      EventBatchRoot(rangeEvents),
		VerifiedAt:      core.FormatTimestamp(l.clock.Now()),
	}, nil
}

// isEpochStart reports whether start aligns with time zero, which anchors
// the verified range at genesis.
func isEpochStart(t time.Time) bool {
	return t.IsZero() || !t.After(time.Unix(0, 0))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
