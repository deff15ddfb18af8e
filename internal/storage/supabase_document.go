package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/neuroloop/backend/internal/core"
)

// SupabaseDocumentStore implements DocumentStore on Supabase (PostgREST).
// Full events live in ledger_events keyed by event_id; the per-session
// summary collection is flattened into the ledger_session_events table keyed
// by (session_id, event_id). Upserts keep redelivered events idempotent.
type SupabaseDocumentStore struct {
	client *supabase.Client
	logger *log.Logger
}

// NewSupabaseDocumentStore creates a document store from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewSupabaseDocumentStore() (*SupabaseDocumentStore, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseDocumentStore{
		client: client,
		logger: log.New(log.Writer(), "[DocStore:Supabase] ", log.LstdFlags),
	}, nil
}

// ledgerEventRow is the row shape for the ledger_events table. Payload holds
// the full event JSON so reads reconstruct the event losslessly even if the
// flattened columns lag behind the canonical form.
type ledgerEventRow struct {
	EventID      string                 `json:"event_id"`
	Timestamp    string                 `json:"timestamp"`
	EventType    string                 `json:"event_type"`
	SessionID    string                 `json:"session_id,omitempty"`
	DeviceID     string                 `json:"device_id,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	DataHash     string                 `json:"data_hash,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EventHash    string                 `json:"event_hash"`
	Signature    string                 `json:"signature,omitempty"`
	SigningKeyID string                 `json:"signing_key_id,omitempty"`
	Payload      string                 `json:"payload"`
}

// sessionEventRow is the row shape for the ledger_session_events table.
type sessionEventRow struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	EventHash string `json:"event_hash"`
}

// WriteEvent upserts the event document and its session summary entry.
func (s *SupabaseDocumentStore) WriteEvent(_ context.Context, event *core.LedgerEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ledger event: %w", err)
	}

	row := ledgerEventRow{
		EventID:      event.EventID,
		Timestamp:    event.Timestamp,
		EventType:    string(event.EventType),
		SessionID:    event.SessionID,
		DeviceID:     event.DeviceID,
		UserID:       event.UserID,
		DataHash:     event.DataHash,
		Metadata:     event.Metadata,
		PreviousHash: event.PreviousHash,
		EventHash:    event.EventHash,
		Signature:    event.Signature,
		SigningKeyID: event.SigningKeyID,
		Payload:      string(payload),
	}

	_, _, err = s.client.From("ledger_events").
		Upsert(row, "event_id", "", "").
		Execute()
	if err != nil {
		s.logger.Printf("Failed to persist event %s: %v", event.EventID, err)
		return fmt.Errorf("save ledger event: %w", err)
	}

	if event.SessionID != "" {
		summary := sessionEventRow{
			SessionID: event.SessionID,
			EventID:   event.EventID,
			EventType: string(event.EventType),
			Timestamp: event.Timestamp,
			EventHash: event.EventHash,
		}
		_, _, err = s.client.From("ledger_session_events").
			Upsert(summary, "session_id,event_id", "", "").
			Execute()
		if err != nil {
			return fmt.Errorf("save session summary for %s: %w", event.EventID, err)
		}
	}

	return nil
}

// GetEvent retrieves a single event by ID; nil (not error) when absent.
func (s *SupabaseDocumentStore) GetEvent(_ context.Context, eventID string) (*core.LedgerEvent, error) {
	var rows []ledgerEventRow
	_, err := s.client.From("ledger_events").
		Select("*", "", false).
		Eq("event_id", eventID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("load ledger event %s: %w", eventID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var event core.LedgerEvent
	if err := json.Unmarshal([]byte(rows[0].Payload), &event); err != nil {
		return nil, fmt.Errorf("unmarshal ledger event %s: %w", eventID, err)
	}
	return &event, nil
}

// SessionEvents returns the session summary entries ordered by timestamp.
func (s *SupabaseDocumentStore) SessionEvents(_ context.Context, sessionID string) ([]SessionEventRef, error) {
	var rows []sessionEventRow
	_, err := s.client.From("ledger_session_events").
		Select("*", "", false).
		Eq("session_id", sessionID).
		Order("timestamp", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("load session events %s: %w", sessionID, err)
	}

	refs := make([]SessionEventRef, 0, len(rows))
	for _, row := range rows {
		refs = append(refs, SessionEventRef{
			SessionID: row.SessionID,
			EventID:   row.EventID,
			EventType: core.EventType(row.EventType),
			Timestamp: row.Timestamp,
			EventHash: row.EventHash,
		})
	}
	return refs, nil
}
