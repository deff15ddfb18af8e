package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func testEvent(id string, at time.Time, sessionID string) *core.LedgerEvent {
	return &core.LedgerEvent{
		EventID:      id,
		Timestamp:    core.FormatTimestamp(at),
		EventType:    core.EventDataIngested,
		SessionID:    sessionID,
		Metadata:     map[string]interface{}{"seq": id},
		PreviousHash: core.GenesisHash,
		EventHash:    strings.Repeat("a", 64),
	}
}

func TestEventRowKeyNewestFirst(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	older, err := EventRowKey(testEvent("ev-old", base, ""))
	require.NoError(t, err)
	newer, err := EventRowKey(testEvent("ev-new", base.Add(time.Second), ""))
	require.NoError(t, err)

	// Reverse-timestamp keys: the newer event sorts lexicographically first.
	assert.Less(t, newer, older)
	assert.Contains(t, newer, "#ev-new")
}

func TestEventRowKeyRejectsBadTimestamp(t *testing.T) {
	_, err := EventRowKey(&core.LedgerEvent{EventID: "ev-1", Timestamp: "yesterday"})
	assert.Error(t, err)
}

func TestMemoryRowStoreRecentOrder(t *testing.T) {
	store := NewMemoryRowStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, store.WriteEvent(ctx, testEvent(id, base.Add(time.Duration(i)*time.Second), "")))
	}

	recent, err := store.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ev-3", recent[0].EventID)
	assert.Equal(t, "ev-2", recent[1].EventID)
}

func TestMemoryRowStoreIdempotentRewrite(t *testing.T) {
	store := NewMemoryRowStore()
	ctx := context.Background()
	ev := testEvent("ev-1", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), "")

	require.NoError(t, store.WriteEvent(ctx, ev))
	require.NoError(t, store.WriteEvent(ctx, ev))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryDocumentStoreSessionSummary(t *testing.T) {
	store := NewMemoryDocumentStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WriteEvent(ctx, testEvent("ev-1", base, "sess-1")))
	require.NoError(t, store.WriteEvent(ctx, testEvent("ev-2", base.Add(time.Second), "sess-1")))
	require.NoError(t, store.WriteEvent(ctx, testEvent("ev-3", base.Add(2*time.Second), "sess-2")))
	// Redelivery must not duplicate the summary entry.
	require.NoError(t, store.WriteEvent(ctx, testEvent("ev-1", base, "sess-1")))

	refs, err := store.SessionEvents(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "ev-1", refs[0].EventID)
	assert.Equal(t, core.EventDataIngested, refs[0].EventType)

	got, err := store.GetEvent(ctx, "ev-3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-2", got.SessionID)

	missing, err := store.GetEvent(ctx, "ev-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryWarehouseLatestAndRange(t *testing.T) {
	store := NewMemoryWarehouse()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		ev := testEvent(id, base.Add(time.Duration(i)*time.Minute), "sess-1")
		ev.EventHash = strings.Repeat("b", 63) + string(rune('0'+i))
		require.NoError(t, store.WriteEvent(ctx, ev))
	}

	latest, err := store.LatestEventHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 63)+"2", latest)

	events, err := store.EventsInRange(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-1", events[0].EventID)
	assert.Equal(t, "ev-2", events[1].EventID)

	bySession, err := store.EventsBySession(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, bySession, 2)
}

func TestMemoryWarehouseEmptyLatestHash(t *testing.T) {
	latest, err := NewMemoryWarehouse().LatestEventHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", latest)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := context.Background()

	first, err := store.MarkProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkProcessed(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestDayPartition(t *testing.T) {
	assert.Equal(t, "2025-06-01", dayPartition("2025-06-01T12:34:56.789Z"))
	assert.Equal(t, "not-a-time", dayPartition("not-a-time"))
}
