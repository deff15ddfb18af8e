package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/neuroloop/backend/internal/core"
)

// SpannerWarehouse implements WarehouseStore on Cloud Spanner for managed
// deployments. Rows are flattened with metadata as a JSON string and an
// EventDate column carrying the day partition; InsertOrUpdate keyed on
// EventID keeps redelivery idempotent.
type SpannerWarehouse struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerWarehouse creates a warehouse backed by Spanner.
func NewSpannerWarehouse(project, instance, dbName string) (*SpannerWarehouse, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerWarehouse{
		client: client,
		logger: log.New(log.Writer(), "[Warehouse:Spanner] ", log.LstdFlags),
	}, nil
}

// WriteEvent inserts or replaces the flattened event row.
func (w *SpannerWarehouse) WriteEvent(ctx context.Context, event *core.LedgerEvent) error {
	meta, err := metadataJSON(event.Metadata)
	if err != nil {
		return err
	}

	mutation := spanner.InsertOrUpdate("LedgerEvents",
		[]string{
			"EventID", "EventDate", "Timestamp", "EventType",
			"SessionID", "DeviceID", "UserID", "DataHash", "Metadata",
			"PreviousHash", "EventHash", "Signature", "SigningKeyID",
		},
		[]interface{}{
			event.EventID, dayPartition(event.Timestamp), event.Timestamp, string(event.EventType),
			event.SessionID, event.DeviceID, event.UserID, event.DataHash, meta,
			event.PreviousHash, event.EventHash, event.Signature, event.SigningKeyID,
		},
	)

	if _, err := w.client.Apply(ctx, []*spanner.Mutation{mutation}); err != nil {
		return fmt.Errorf("write warehouse row %s: %w", event.EventID, err)
	}
	return nil
}

// LatestEventHash returns the hash of the newest row, or "" on an empty
// warehouse. Uses a strong read: the chain cursor must never resume from a
// stale tail.
func (w *SpannerWarehouse) LatestEventHash(ctx context.Context) (string, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EventHash FROM LedgerEvents
		      ORDER BY Timestamp DESC, EventID DESC LIMIT 1`,
	}

	iter := w.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest event hash: %w", err)
	}

	var hash string
	if err := row.Columns(&hash); err != nil {
		return "", err
	}
	return hash, nil
}

// EventsInRange returns events with start <= timestamp <= end in timestamp
// order, strong read for verification correctness.
func (w *SpannerWarehouse) EventsInRange(ctx context.Context, start, end time.Time) ([]*core.LedgerEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT EventID, Timestamp, EventType, SessionID, DeviceID, UserID, DataHash, Metadata,
		             PreviousHash, EventHash, Signature, SigningKeyID
		      FROM LedgerEvents
		      WHERE Timestamp >= @start AND Timestamp <= @end
		      ORDER BY Timestamp ASC, EventID ASC`,
		Params: map[string]interface{}{
			"start": core.FormatTimestamp(start),
			"end":   core.FormatTimestamp(end),
		},
	}

	iter := w.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	return collectEventRows(iter)
}

// EventsBySession returns up to limit events for a session. Compliance
// reporting tolerates staleness, so use a 15-second stale read for
// performance.
func (w *SpannerWarehouse) EventsBySession(ctx context.Context, sessionID string, limit int) ([]*core.LedgerEvent, error) {
	roTx := w.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	stmt := spanner.Statement{
		SQL: `SELECT EventID, Timestamp, EventType, SessionID, DeviceID, UserID, DataHash, Metadata,
		             PreviousHash, EventHash, Signature, SigningKeyID
		      FROM LedgerEvents
		      WHERE SessionID = @sessionId
		      ORDER BY Timestamp ASC, EventID ASC
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"sessionId": sessionID,
			"limit":     int64(limit),
		},
	}

	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()

	return collectEventRows(iter)
}

// Close closes the Spanner client.
func (w *SpannerWarehouse) Close() error {
	w.client.Close()
	return nil
}

// collectEventRows drains a row iterator into ledger events.
func collectEventRows(iter *spanner.RowIterator) ([]*core.LedgerEvent, error) {
	var events []*core.LedgerEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate warehouse rows: %w", err)
		}

		var (
			event     core.LedgerEvent
			eventType string
			meta      string
		)
		if err := row.Columns(
			&event.EventID, &event.Timestamp, &eventType,
			&event.SessionID, &event.DeviceID, &event.UserID, &event.DataHash, &meta,
			&event.PreviousHash, &event.EventHash, &event.Signature, &event.SigningKeyID,
		); err != nil {
			return nil, err
		}
		event.EventType = core.EventType(eventType)

		metadata, err := parseMetadataJSON(meta)
		if err != nil {
			return nil, err
		}
		event.Metadata = metadata

		events = append(events, &event)
	}
	return events, nil
}
