package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/neuroloop/backend/internal/core"
)

// PostgresWarehouse implements WarehouseStore on plain PostgreSQL for
// self-hosted deployments. Same row shape as the Spanner warehouse; the
// ts column keeps the canonical fixed-width UTC timestamp string, so
// lexicographic comparison equals time comparison.
type PostgresWarehouse struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresWarehouse connects and pings the database.
func NewPostgresWarehouse(dbURL string) (*PostgresWarehouse, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresWarehouse{
		db:     db,
		logger: log.New(log.Writer(), "[Warehouse:Postgres] ", log.LstdFlags),
	}, nil
}

// EnsureSchema creates the warehouse table and indexes if missing.
func (w *PostgresWarehouse) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS ledger_events (
	event_id       TEXT PRIMARY KEY,
	event_date     DATE NOT NULL,
	ts             TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	session_id     TEXT NOT NULL DEFAULT '',
	device_id      TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	data_hash      TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '',
	previous_hash  TEXT NOT NULL,
	event_hash     TEXT NOT NULL,
	signature      TEXT NOT NULL DEFAULT '',
	signing_key_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ledger_events_ts_idx ON ledger_events (ts);
CREATE INDEX IF NOT EXISTS ledger_events_session_idx ON ledger_events (session_id);
CREATE INDEX IF NOT EXISTS ledger_events_date_idx ON ledger_events (event_date);`

	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure ledger_events schema: %w", err)
	}
	return nil
}

// WriteEvent inserts the flattened row; conflicts on event_id are ignored,
// which makes redelivery a no-op.
func (w *PostgresWarehouse) WriteEvent(ctx context.Context, event *core.LedgerEvent) error {
	meta, err := metadataJSON(event.Metadata)
	if err != nil {
		return err
	}

	const query = `
INSERT INTO ledger_events
	(event_id, event_date, ts, event_type, session_id, device_id, user_id,
	 data_hash, metadata, previous_hash, event_hash, signature, signing_key_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (event_id) DO NOTHING`

	_, err = w.db.ExecContext(ctx, query,
		event.EventID, dayPartition(event.Timestamp), event.Timestamp, string(event.EventType),
		event.SessionID, event.DeviceID, event.UserID,
		event.DataHash, meta, event.PreviousHash, event.EventHash,
		event.Signature, event.SigningKeyID,
	)
	if err != nil {
		return fmt.Errorf("write warehouse row %s: %w", event.EventID, err)
	}
	return nil
}

// LatestEventHash returns the hash of the newest row, or "" when the
// warehouse is empty.
func (w *PostgresWarehouse) LatestEventHash(ctx context.Context) (string, error) {
	const query = `SELECT event_hash FROM ledger_events ORDER BY ts DESC, event_id DESC LIMIT 1`

	var hash string
	err := w.db.QueryRowContext(ctx, query).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest event hash: %w", err)
	}
	return hash, nil
}

// EventsInRange returns events with start <= ts <= end in timestamp order.
func (w *PostgresWarehouse) EventsInRange(ctx context.Context, start, end time.Time) ([]*core.LedgerEvent, error) {
	const query = `
SELECT event_id, ts, event_type, session_id, device_id, user_id, data_hash,
       metadata, previous_hash, event_hash, signature, signing_key_id
FROM ledger_events
WHERE ts >= $1 AND ts <= $2
ORDER BY ts ASC, event_id ASC`

	rows, err := w.db.QueryContext(ctx, query,
		core.FormatTimestamp(start), core.FormatTimestamp(end))
	if err != nil {
		return nil, fmt.Errorf("query events in range: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// EventsBySession returns up to limit events for a session in timestamp order.
func (w *PostgresWarehouse) EventsBySession(ctx context.Context, sessionID string, limit int) ([]*core.LedgerEvent, error) {
	const query = `
SELECT event_id, ts, event_type, session_id, device_id, user_id, data_hash,
       metadata, previous_hash, event_hash, signature, signing_key_id
FROM ledger_events
WHERE session_id = $1
ORDER BY ts ASC, event_id ASC
LIMIT $2`

	rows, err := w.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// Close closes the database connection.
func (w *PostgresWarehouse) Close() error {
	return w.db.Close()
}

func scanEventRows(rows *sql.Rows) ([]*core.LedgerEvent, error) {
	var events []*core.LedgerEvent
	for rows.Next() {
		var (
			event     core.LedgerEvent
			eventType string
			meta      string
		)
		if err := rows.Scan(
			&event.EventID, &event.Timestamp, &eventType,
			&event.SessionID, &event.DeviceID, &event.UserID, &event.DataHash,
			&meta, &event.PreviousHash, &event.EventHash,
			&event.Signature, &event.SigningKeyID,
		); err != nil {
			return nil, fmt.Errorf("scan warehouse row: %w", err)
		}
		event.EventType = core.EventType(eventType)

		metadata, err := parseMetadataJSON(meta)
		if err != nil {
			return nil, err
		}
		event.Metadata = metadata

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warehouse rows: %w", err)
	}
	return events, nil
}
