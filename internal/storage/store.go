// Package storage provides the three audit-ledger persistence tiers: a
// row-oriented KV timeline (Redis), a document view (Supabase), and a
// columnar warehouse (Spanner or PostgreSQL). All three are derived views
// of the canonical event JSON; writes are idempotent by event ID so the
// processor can deliver at-least-once per tier.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

// Tier names used in metrics labels and circuit breaker identities.
const (
	TierRowKV     = "row_kv"
	TierDocument  = "document"
	TierWarehouse = "warehouse"
)

// RowStore is the row-oriented KV tier. Row keys embed a reverse timestamp
// so lexicographic order is newest-first; columns are grouped by family
// {event, metadata, chain}.
type RowStore interface {
	WriteEvent(ctx context.Context, event *core.LedgerEvent) error
	RecentEvents(ctx context.Context, limit int) ([]*core.LedgerEvent, error)
}

// DocumentStore is the per-event document tier. Every event lands under
// ledger_events/{eventId}; events carrying a session additionally update a
// per-session summary collection.
type DocumentStore interface {
	WriteEvent(ctx context.Context, event *core.LedgerEvent) error
	GetEvent(ctx context.Context, eventID string) (*core.LedgerEvent, error)
	SessionEvents(ctx context.Context, sessionID string) ([]SessionEventRef, error)
}

// WarehouseStore is the columnar analytics tier: flattened rows, metadata as
// a JSON string, partitioned by day. It is also the source of truth for
// chain-cursor recovery and range verification.
type WarehouseStore interface {
	WriteEvent(ctx context.Context, event *core.LedgerEvent) error
	LatestEventHash(ctx context.Context) (string, error)
	EventsInRange(ctx context.Context, start, end time.Time) ([]*core.LedgerEvent, error)
	EventsBySession(ctx context.Context, sessionID string, limit int) ([]*core.LedgerEvent, error)
}

// IdempotencyStore remembers which event IDs have already been processed so
// redelivered queue messages are counted as duplicates instead of written
// twice.
type IdempotencyStore interface {
	// MarkProcessed records eventID and reports whether it was new.
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

// SessionEventRef is the per-session summary entry kept by the document
// tier: just enough to render a session timeline without loading full events.
type SessionEventRef struct {
	SessionID string         `json:"session_id"`
	EventID   string         `json:"event_id"`
	EventType core.EventType `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	EventHash string         `json:"event_hash"`
}

// EventRowKey builds the row-KV key for an event: the timestamp inverted
// against MaxInt64 and zero-padded, then '#', then the event ID. Inversion
// makes lexicographically ascending scans return newest events first.
func EventRowKey(event *core.LedgerEvent) (string, error) {
	t, err := core.ParseTimestamp(event.Timestamp)
	if err != nil {
		return "", fmt.Errorf("row key timestamp %q: %w", event.Timestamp, err)
	}
	reverse := math.MaxInt64 - t.UnixMilli()
	return fmt.Sprintf("%019d#%s", reverse, event.EventID), nil
}

// dayPartition extracts the UTC day used for warehouse partitioning.
func dayPartition(timestamp string) string {
	if t, err := core.ParseTimestamp(timestamp); err == nil {
		return t.Format("2006-01-02")
	}
	if len(timestamp) >= 10 {
		return timestamp[:10]
	}
	return timestamp
}

// metadataJSON serialises event metadata for flattened storage; empty
// metadata becomes the empty string, not "null".
func metadataJSON(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal event metadata: %w", err)
	}
	return string(raw), nil
}

// parseMetadataJSON is the inverse of metadataJSON.
func parseMetadataJSON(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal event metadata: %w", err)
	}
	return metadata, nil
}
