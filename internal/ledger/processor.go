package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/circuitbreaker"
	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/internal/storage"
)

// ComplianceEventTypes is the subset of event types that trigger the
// compliance hook after persistence.
var ComplianceEventTypes = map[core.EventType]bool{
	core.EventSessionCreated: true,
	core.EventSessionEnded:   true,
	core.EventDataExported:   true,
	core.EventAccessGranted:  true,
	core.EventAccessDenied:   true,
	core.EventAuthSuccess:    true,
	core.EventAuthFailure:    true,
}

// ComplianceHook receives events in the compliance subset once their
// storage fan-out has settled.
type ComplianceHook func(ctx context.Context, event *core.LedgerEvent)

const (
	defaultMaxAttempts = 5
	defaultRetryBase   = 100 * time.Millisecond
)

// ProcessorConfig wires the event processor.
type ProcessorConfig struct {
	Row         storage.RowStore
	Documents   storage.DocumentStore
	Warehouse   storage.WarehouseStore
	Idempotency storage.IdempotencyStore // optional; tier writes stay idempotent without it
	Signer      *EventSigner
	Breakers    *circuitbreaker.Manager
	Metrics     *metrics.Metrics
	Compliance  ComplianceHook

	// MaxAttempts bounds per-tier write attempts; RetryBase seeds the
	// exponential backoff between them. Zero selects the defaults.
	MaxAttempts int
	RetryBase   time.Duration
}

// Processor consumes serialized ledger events from the queue and fans each
// one out to the three storage tiers. Tiers fail independently: one tier
// exhausting its retries never blocks the others, and never surfaces as an
// error to the publisher.
type Processor struct {
	row         storage.RowStore
	documents   storage.DocumentStore
	warehouse   storage.WarehouseStore
	seen        storage.IdempotencyStore
	signer      *EventSigner
	breakers    *circuitbreaker.Manager
	metrics     *metrics.Metrics
	compliance  ComplianceHook
	maxAttempts int
	retryBase   time.Duration
	logger      *log.Logger
}

// NewProcessor validates the tier wiring and returns a processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Row == nil || cfg.Documents == nil || cfg.Warehouse == nil {
		return nil, fmt.Errorf("ledger: processor requires all three storage tiers")
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewTierCircuitBreakers().Manager()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	return &Processor{
		row:         cfg.Row,
		documents:   cfg.Documents,
		warehouse:   cfg.Warehouse,
		seen:        cfg.Idempotency,
		signer:      cfg.Signer,
		breakers:    cfg.Breakers,
		metrics:     cfg.Metrics,
		compliance:  cfg.Compliance,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		logger:      log.New(log.Writer(), "[PROCESSOR] ", log.LstdFlags),
	}, nil
}

// Handle processes one serialized event. It matches events.Handler so the
// processor subscribes directly on the queue.
func (p *Processor) Handle(ctx context.Context, payload []byte) {
	var event core.LedgerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		p.metrics.RecordLedgerEvent("unknown", "dropped_parse")
		p.logger.Printf("❌ Dropped unparseable event: %v", err)
		return
	}
	if err := validateEvent(&event); err != nil {
		p.metrics.RecordLedgerEvent(string(event.EventType), "dropped_parse")
		p.logger.Printf("❌ Dropped event %s: %v", event.EventID, err)
		return
	}

	if RequiresSignature(event.EventType) {
		if p.signer == nil {
			p.metrics.RecordLedgerEvent(string(event.EventType), "dropped_signature")
			p.logger.Printf("🚫 AUDIT: dropped %s %s: no signature verifier configured", event.EventType, event.EventID)
			return
		}
		if err := p.signer.VerifyEvent(ctx, &event); err != nil {
			p.metrics.RecordLedgerEvent(string(event.EventType), "dropped_signature")
			p.logger.Printf("🚫 AUDIT: dropped %s %s: %v", event.EventType, event.EventID, err)
			return
		}
	}

	if p.seen != nil {
		fresh, err := p.seen.MarkProcessed(ctx, event.EventID)
		if err != nil {
			// Dedup bookkeeping failure is not fatal: tier writes are
			// idempotent by event ID anyway.
			p.logger.Printf("⚠️ Idempotency check failed for %s: %v", event.EventID, err)
		} else if !fresh {
			p.metrics.RecordLedgerEvent(string(event.EventType), "duplicate")
			return
		}
	}

	start := time.Now()
	writes := []struct {
		tier  string
		write func(context.Context) error
	}{
		{storage.TierRowKV, func(ctx context.Context) error { return p.row.WriteEvent(ctx, &event) }},
		{storage.TierDocument, func(ctx context.Context) error { return p.documents.WriteEvent(ctx, &event) }},
		{storage.TierWarehouse, func(ctx context.Context) error { return p.warehouse.WriteEvent(ctx, &event) }},
	}

	var wg sync.WaitGroup
	for _, w := range writes {
		wg.Add(1)
		go func(tier string, write func(context.Context) error) {
			defer wg.Done()
			if err := p.writeTier(ctx, tier, write); err != nil {
				p.logger.Printf("❌ %s write exhausted retries for %s: %v", tier, event.EventID, err)
			}
		}(w.tier, w.write)
	}
	wg.Wait()

	p.metrics.RecordLedgerEvent(string(event.EventType), "accepted")
	p.logger.Printf("📥 Processed %s %s in %v", event.EventType, event.EventID, time.Since(start))

	if p.compliance != nil && ComplianceEventTypes[event.EventType] {
		p.compliance(ctx, &event)
	}
}

// writeTier runs one tier write with its circuit breaker, bounded retries,
// and exponential backoff. Every attempt is measured; every retry counted.
func (p *Processor) writeTier(ctx context.Context, tier string, write func(context.Context) error) error {
	breaker := p.breakers.Get(tier)

	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			p.metrics.RecordTierRetry(tier)
			backoff := p.retryBase << uint(attempt-2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		_, err = breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, write(ctx)
		})
		p.metrics.RecordTierWrite(tier, time.Since(start).Seconds(), err)
		if err == nil {
			return nil
		}
		p.logger.Printf("⚠️ %s write attempt %d/%d failed: %v", tier, attempt, p.maxAttempts, err)
	}
	return err
}

// validateEvent checks the fields every persisted event must carry.
func validateEvent(event *core.LedgerEvent) error {
	switch {
	case event.EventID == "":
		return fmt.Errorf("missing event_id")
	case event.EventType == "":
		return fmt.Errorf("missing event_type")
	case event.Timestamp == "":
		return fmt.Errorf("missing timestamp")
	case event.PreviousHash == "":
		return fmt.Errorf("missing previous_hash")
	case event.EventHash == "":
		return fmt.Errorf("missing event_hash")
	}
	if _, err := core.ParseTimestamp(event.Timestamp); err != nil {
		return fmt.Errorf("malformed timestamp %q: %w", event.Timestamp, err)
	}
	return nil
}
