package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

// ============================================================================
// IN-MEMORY TIERS — used by tests and as the fallback when no backend is
// configured. Semantics match the real tiers: idempotent by event ID,
// newest-first timeline, timestamp-ordered range scans.
// ============================================================================

// MemoryRowStore provides an in-memory row-KV tier.
type MemoryRowStore struct {
	rows map[string]*core.LedgerEvent // row key -> event
	keys map[string]string            // event ID -> row key
	mu   sync.RWMutex
}

// NewMemoryRowStore creates an empty in-memory row store.
func NewMemoryRowStore() *MemoryRowStore {
	return &MemoryRowStore{
		rows: make(map[string]*core.LedgerEvent),
		keys: make(map[string]string),
	}
}

// WriteEvent stores the event under its reverse-timestamp row key.
// Rewriting the same event ID replaces the row.
func (s *MemoryRowStore) WriteEvent(_ context.Context, event *core.LedgerEvent) error {
	key, err := EventRowKey(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.keys[event.EventID]; exists {
		delete(s.rows, old)
	}
	cp := *event
	s.rows[key] = &cp
	s.keys[event.EventID] = key
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *MemoryRowStore) RecentEvents(_ context.Context, limit int) ([]*core.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.rows))
	for key := range s.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys) // reverse-timestamp keys sort newest-first

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	events := make([]*core.LedgerEvent, 0, len(keys))
	for _, key := range keys {
		events = append(events, s.rows[key])
	}
	return events, nil
}

// Len reports the number of stored rows.
func (s *MemoryRowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// MemoryDocumentStore provides an in-memory document tier.
type MemoryDocumentStore struct {
	events   map[string]*core.LedgerEvent
	sessions map[string][]SessionEventRef
	mu       sync.RWMutex
}

// NewMemoryDocumentStore creates an empty in-memory document store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		events:   make(map[string]*core.LedgerEvent),
		sessions: make(map[string][]SessionEventRef),
	}
}

// WriteEvent stores the event document and, when a session is attached,
// upserts the session summary entry.
func (s *MemoryDocumentStore) WriteEvent(_ context.Context, event *core.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, replay := s.events[event.EventID]
	cp := *event
	s.events[event.EventID] = &cp

	if event.SessionID != "" && !replay {
		s.sessions[event.SessionID] = append(s.sessions[event.SessionID], SessionEventRef{
			SessionID: event.SessionID,
			EventID:   event.EventID,
			EventType: event.EventType,
			Timestamp: event.Timestamp,
			EventHash: event.EventHash,
		})
	}
	return nil
}

// GetEvent returns the stored event or nil when absent.
func (s *MemoryDocumentStore) GetEvent(_ context.Context, eventID string) (*core.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[eventID], nil
}

// SessionEvents returns the session summary entries in write order.
func (s *MemoryDocumentStore) SessionEvents(_ context.Context, sessionID string) ([]SessionEventRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := s.sessions[sessionID]
	out := make([]SessionEventRef, len(refs))
	copy(out, refs)
	return out, nil
}

// Len reports the number of stored documents.
func (s *MemoryDocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// MemoryWarehouse provides an in-memory columnar tier.
type MemoryWarehouse struct {
	events map[string]*core.LedgerEvent
	mu     sync.RWMutex
}

// NewMemoryWarehouse creates an empty in-memory warehouse.
func NewMemoryWarehouse() *MemoryWarehouse {
	return &MemoryWarehouse{events: make(map[string]*core.LedgerEvent)}
}

// WriteEvent inserts the flattened row; duplicates by event ID replace.
func (s *MemoryWarehouse) WriteEvent(_ context.Context, event *core.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.EventID] = &cp
	return nil
}

// LatestEventHash returns the hash of the newest event, or "" when empty.
func (s *MemoryWarehouse) LatestEventHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *core.LedgerEvent
	for _, event := range s.events {
		if latest == nil || event.Timestamp > latest.Timestamp ||
			(event.Timestamp == latest.Timestamp && event.EventID > latest.EventID) {
			latest = event
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.EventHash, nil
}

// EventsInRange returns events with start <= timestamp <= end in timestamp
// order; ties break on event ID for a stable order.
func (s *MemoryWarehouse) EventsInRange(_ context.Context, start, end time.Time) ([]*core.LedgerEvent, error) {
	lo := core.FormatTimestamp(start)
	hi := core.FormatTimestamp(end)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*core.LedgerEvent
	for _, event := range s.events {
		if event.Timestamp >= lo && event.Timestamp <= hi {
			events = append(events, event)
		}
	}
	sortEventsByTime(events)
	return events, nil
}

// EventsBySession returns up to limit events for a session in timestamp order.
func (s *MemoryWarehouse) EventsBySession(_ context.Context, sessionID string, limit int) ([]*core.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*core.LedgerEvent
	for _, event := range s.events {
		if event.SessionID == sessionID {
			events = append(events, event)
		}
	}
	sortEventsByTime(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Len reports the number of stored rows.
func (s *MemoryWarehouse) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func sortEventsByTime(events []*core.LedgerEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].EventID < events[j].EventID
	})
}

// MemoryIdempotencyStore tracks processed event IDs in a map.
type MemoryIdempotencyStore struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryIdempotencyStore creates an empty idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]struct{})}
}

// MarkProcessed records eventID, reporting false when already present.
func (s *MemoryIdempotencyStore) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[eventID]; dup {
		return false, nil
	}
	s.seen[eventID] = struct{}{}
	return true, nil
}
