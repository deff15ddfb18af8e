package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/neuroloop/backend/internal/core"
)

func TestCategoryForMapping(t *testing.T) {
	assert.Equal(t, CategorySession, CategoryFor(core.EventSessionCreated))
	assert.Equal(t, CategorySession, CategoryFor(core.EventSessionEnded))
	assert.Equal(t, CategoryExport, CategoryFor(core.EventDataExported))
	assert.Equal(t, CategoryAccess, CategoryFor(core.EventAccessGranted))
	assert.Equal(t, CategoryAccess, CategoryFor(core.EventAccessDenied))
	assert.Equal(t, CategoryAuth, CategoryFor(core.EventAuthSuccess))
	assert.Equal(t, CategoryAuth, CategoryFor(core.EventAuthFailure))
	assert.Equal(t, CategoryOther, CategoryFor(core.EventDataIngested))
}

func checkEvent(eventType core.EventType, signature string) *core.LedgerEvent {
	return &core.LedgerEvent{
		EventID:   "evt-" + string(eventType),
		Timestamp: "2026-03-14T10:30:00.000Z",
		EventType: eventType,
		SessionID: "sess-1",
		UserID:    "user-1",
		Signature: signature,
	}
}

func TestCheckerCountsByCategoryAndType(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	c := NewChecker(core.FixedClock{T: base})
	ctx := context.Background()

	c.Check(ctx, checkEvent(core.EventSessionCreated, "sig"))
	c.Check(ctx, checkEvent(core.EventSessionEnded, "sig"))
	c.Check(ctx, checkEvent(core.EventDataExported, "sig"))
	c.Check(ctx, checkEvent(core.EventAccessDenied, "sig"))
	c.Check(ctx, checkEvent(core.EventAuthFailure, "sig"))
	c.Check(ctx, nil) // ignored

	snap := c.Snapshot()
	assert.Equal(t, base, snap.Since)
	assert.Equal(t, int64(5), snap.Total)
	assert.Equal(t, int64(2), snap.ByCategory[CategorySession])
	assert.Equal(t, int64(1), snap.ByCategory[CategoryExport])
	assert.Equal(t, int64(1), snap.ByCategory[CategoryAccess])
	assert.Equal(t, int64(1), snap.ByCategory[CategoryAuth])
	assert.Equal(t, int64(1), snap.ByType[core.EventSessionCreated])
	assert.Equal(t, int64(1), snap.ByType[core.EventAccessDenied])
	assert.Equal(t, int64(2), snap.Denials, "access denial plus auth failure")
	assert.Equal(t, int64(0), snap.UnsignedCritical)
}

func TestCheckerFlagsUnsignedCritical(t *testing.T) {
	c := NewChecker(nil)
	ctx := context.Background()

	c.Check(ctx, checkEvent(core.EventSessionCreated, ""))
	c.Check(ctx, checkEvent(core.EventDataIngested, "")) // not critical

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.UnsignedCritical)
}

func TestCheckerSnapshotIsACopy(t *testing.T) {
	c := NewChecker(nil)
	c.Check(context.Background(), checkEvent(core.EventAccessGranted, "sig"))

	snap := c.Snapshot()
	snap.ByCategory[CategoryAccess] = 99
	snap.ByType[core.EventAccessGranted] = 99

	again := c.Snapshot()
	assert.Equal(t, int64(1), again.ByCategory[CategoryAccess])
	assert.Equal(t, int64(1), again.ByType[core.EventAccessGranted])
}
