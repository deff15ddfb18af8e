package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/storage"
)

// syncQueue delivers each payload straight into the processor, standing in
// for the bus so chain tests stay deterministic.
type syncQueue struct {
	proc *Processor
}

func (q *syncQueue) Publish(ctx context.Context, payload []byte) error {
	q.proc.Handle(ctx, payload)
	return nil
}

// failQueue rejects every publish.
type failQueue struct{}

func (failQueue) Publish(ctx context.Context, payload []byte) error {
	return fmt.Errorf("queue unavailable")
}

// stepClock hands out strictly increasing timestamps, one millisecond apart.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type ledgerFixture struct {
	ledger *Ledger
	signer *EventSigner
	row    *storage.MemoryRowStore
	docs   *storage.MemoryDocumentStore
	wh     *storage.MemoryWarehouse
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()

	row := storage.NewMemoryRowStore()
	docs := storage.NewMemoryDocumentStore()
	wh := storage.NewMemoryWarehouse()
	es := newTestSigner(t)

	proc, err := NewProcessor(ProcessorConfig{
		Row:         row,
		Documents:   docs,
		Warehouse:   wh,
		Idempotency: storage.NewMemoryIdempotencyStore(),
		Signer:      es,
		RetryBase:   time.Millisecond,
	})
	require.NoError(t, err)

	l, err := New(Config{
		Queue:     &syncQueue{proc: proc},
		Warehouse: wh,
		Signer:    es,
		Clock:     &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	return &ledgerFixture{ledger: l, signer: es, row: row, docs: docs, wh: wh}
}

func TestLedgerGenesisWrite(t *testing.T) {
	fx := newLedgerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.ledger.Start(ctx))

	event, err := fx.ledger.LogEvent(ctx, core.EventSessionCreated,
		WithSession("sess-1"),
		WithUser("user-1"),
		WithMetadata(map[string]interface{}{"resource": "sessions/sess-1", "action": "create"}),
	)
	require.NoError(t, err)

	assert.Equal(t, core.GenesisHash, event.PreviousHash)
	assert.Len(t, event.EventHash, 64)
	assert.NotEmpty(t, event.Signature, "critical events are signed on emission")
	assert.NoError(t, fx.signer.VerifyEvent(ctx, event))

	// All three tiers received the event.
	assert.Equal(t, 1, fx.row.Len())
	assert.Equal(t, 1, fx.wh.Len())
	stored, err := fx.docs.GetEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.NotNil(t, stored)

	assert.Equal(t, event.EventHash, fx.ledger.LastEventHash())
}

func TestLedgerChainAccumulatesAndVerifies(t *testing.T) {
	fx := newLedgerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.ledger.Start(ctx))

	_, err := fx.ledger.LogEvent(ctx, core.EventSessionCreated, WithSession("sess-1"), WithUser("user-1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := fx.ledger.LogEvent(ctx, core.EventDataIngested, WithSession("sess-1"), WithDevice("dev-1"))
		require.NoError(t, err)
	}
	_, err = fx.ledger.LogEvent(ctx, core.EventSessionEnded, WithSession("sess-1"), WithUser("user-1"))
	require.NoError(t, err)

	assert.Equal(t, 5, fx.wh.Len())

	report, err := fx.ledger.VerifyChainIntegrity(ctx, time.Time{}, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.EventCount)
	assert.Equal(t, -1, report.FirstBreakIndex)
	assert.NotEmpty(t, report.MerkleRoot)
}

func TestLedgerCursorUnchangedOnEnqueueFailure(t *testing.T) {
	wh := storage.NewMemoryWarehouse()
	l, err := New(Config{
		Queue:     failQueue{},
		Warehouse: wh,
		Clock:     &stepClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Start(ctx))

	_, err = l.LogEvent(ctx, core.EventDataIngested, WithSession("sess-1"))
	require.Error(t, err)
	assert.Equal(t, core.GenesisHash, l.LastEventHash(), "failed enqueue must not advance the cursor")
}

func TestLedgerResumesFromWarehouseTail(t *testing.T) {
	fx := newLedgerFixture(t)
	ctx := context.Background()

	// Seed the warehouse with an existing chain, as if a prior process wrote it.
	seeded := buildChain(t, 3)
	for _, event := range seeded {
		require.NoError(t, fx.wh.WriteEvent(ctx, event))
	}

	require.NoError(t, fx.ledger.Start(ctx))
	assert.Equal(t, seeded[2].EventHash, fx.ledger.LastEventHash())

	event, err := fx.ledger.LogEvent(ctx, core.EventDataIngested, WithSession("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, seeded[2].EventHash, event.PreviousHash)

	report, err := fx.ledger.VerifyChainIntegrity(ctx, time.Time{}, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 4, report.EventCount)
}

func TestLedgerVerifyDetectsTamper(t *testing.T) {
	fx := newLedgerFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.ledger.Start(ctx))

	for i := 0; i < 5; i++ {
		_, err := fx.ledger.LogEvent(ctx, core.EventDataIngested, WithSession("sess-1"),
			WithMetadataField("window", i))
		require.NoError(t, err)
	}

	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	stored, err := fx.wh.EventsInRange(ctx, time.Time{}, end)
	require.NoError(t, err)
	require.Len(t, stored, 5)
	stored[3].Metadata["window"] = 99

	report, err := fx.ledger.VerifyChainIntegrity(ctx, time.Time{}, end)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 3, report.FirstBreakIndex)
}

func TestLedgerGenesisBoundaryEnforced(t *testing.T) {
	fx := newLedgerFixture(t)
	ctx := context.Background()

	// A chain whose first stored event does not descend from genesis.
	orphan := chainEvent(t, "evt-orphan", core.EventDataIngested,
		"3333333333333333333333333333333333333333333333333333333333333333",
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, fx.wh.WriteEvent(ctx, orphan))
	require.NoError(t, fx.ledger.Start(ctx))

	end := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	anchored, err := fx.ledger.VerifyChainIntegrity(ctx, time.Time{}, end)
	require.NoError(t, err)
	assert.False(t, anchored.Valid, "range anchored at time zero must begin at genesis")
	assert.Equal(t, 0, anchored.FirstBreakIndex)

	midRange, err := fx.ledger.VerifyChainIntegrity(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), end)
	require.NoError(t, err)
	assert.True(t, midRange.Valid, "mid-chain ranges take the first link on faith")
}

func TestLedgerRequiresStart(t *testing.T) {
	fx := newLedgerFixture(t)
	_, err := fx.ledger.LogEvent(context.Background(), core.EventDataIngested)
	assert.Error(t, err)
}
