package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neuroloop/backend/internal/core"
)

// Redis key layout for the row-KV tier.
const (
	redisRowPrefix   = "neuroloop:ledger:row:"
	redisTimelineKey = "neuroloop:ledger:timeline"
	redisSeenSetKey  = "neuroloop:ledger:seen"
)

// RedisRowStore implements RowStore on go-redis v9. Each event is one Redis
// hash whose field names carry the column family prefix; the timeline index
// is a zero-score sorted set over the reverse-timestamp row keys, so a
// lexicographic range scan walks the ledger newest-first. The seen-set doubles
// as the processor's idempotency store.
type RedisRowStore struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisRowStore connects to Redis and verifies connectivity. The caller
// decides whether to fall back to the in-memory tier on error.
func NewRedisRowStore(addr, password string, db int) (*RedisRowStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	logger := log.New(log.Writer(), "[RowStore:Redis] ", log.LstdFlags)
	logger.Printf("Connected to %s (db=%d)", addr, db)

	return &RedisRowStore{rdb: rdb, logger: logger}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisRowStore) Close() error {
	return s.rdb.Close()
}

// WriteEvent writes the event hash and its timeline index entry in one
// transaction. Rewriting the same event overwrites the same row key, so
// redelivery is harmless.
func (s *RedisRowStore) WriteEvent(ctx context.Context, event *core.LedgerEvent) error {
	key, err := EventRowKey(event)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"event:event_id":      event.EventID,
		"event:timestamp":     event.Timestamp,
		"event:event_type":    string(event.EventType),
		"chain:previous_hash": event.PreviousHash,
		"chain:event_hash":    event.EventHash,
	}
	if event.SessionID != "" {
		fields["event:session_id"] = event.SessionID
	}
	if event.DeviceID != "" {
		fields["event:device_id"] = event.DeviceID
	}
	if event.UserID != "" {
		fields["event:user_id"] = event.UserID
	}
	if event.DataHash != "" {
		fields["event:data_hash"] = event.DataHash
	}
	if event.Signature != "" {
		fields["chain:signature"] = event.Signature
		fields["chain:signing_key_id"] = event.SigningKeyID
	}
	if len(event.Metadata) > 0 {
		meta, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", event.EventID, err)
		}
		fields["metadata:json"] = string(meta)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, redisRowPrefix+key, fields)
	pipe.ZAdd(ctx, redisTimelineKey, redis.Z{Score: 0, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write event row %s: %w", key, err)
	}
	return nil
}

// RecentEvents scans the timeline index lexicographically (newest-first by
// key construction) and loads up to limit rows.
func (s *RedisRowStore) RecentEvents(ctx context.Context, limit int) ([]*core.LedgerEvent, error) {
	keys, err := s.rdb.ZRangeByLex(ctx, redisTimelineKey, &redis.ZRangeBy{
		Min:   "-",
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan ledger timeline: %w", err)
	}

	events := make([]*core.LedgerEvent, 0, len(keys))
	for _, key := range keys {
		row, err := s.rdb.HGetAll(ctx, redisRowPrefix+key).Result()
		if err != nil {
			return nil, fmt.Errorf("load event row %s: %w", key, err)
		}
		if len(row) == 0 {
			// Index entry without a row: skip rather than fail the scan.
			s.logger.Printf("⚠️ Dangling timeline entry %s", key)
			continue
		}
		event, err := eventFromRowFields(row)
		if err != nil {
			return nil, fmt.Errorf("decode event row %s: %w", key, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// MarkProcessed implements IdempotencyStore using the shared seen-set.
// Returns false when the event ID was already a member.
func (s *RedisRowStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, redisSeenSetKey, eventID).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return added == 1, nil
}

// eventFromRowFields reassembles a ledger event from its family-prefixed
// hash fields.
func eventFromRowFields(row map[string]string) (*core.LedgerEvent, error) {
	event := &core.LedgerEvent{
		EventID:      row["event:event_id"],
		Timestamp:    row["event:timestamp"],
		EventType:    core.EventType(row["event:event_type"]),
		SessionID:    row["event:session_id"],
		DeviceID:     row["event:device_id"],
		UserID:       row["event:user_id"],
		DataHash:     row["event:data_hash"],
		PreviousHash: row["chain:previous_hash"],
		EventHash:    row["chain:event_hash"],
		Signature:    row["chain:signature"],
		SigningKeyID: row["chain:signing_key_id"],
	}
	if raw, ok := row["metadata:json"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &event.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return event, nil
}
