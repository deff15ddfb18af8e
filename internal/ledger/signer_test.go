package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func newTestSigner(t *testing.T) *EventSigner {
	t.Helper()
	es, err := NewEventSigner(context.Background(), NewLocalSigner(), "neuroloop-ledger")
	require.NoError(t, err)
	return es
}

// criticalEvent builds a signed session.created event carrying both signed
// and unsigned metadata.
func criticalEvent(t *testing.T, es *EventSigner) *core.LedgerEvent {
	t.Helper()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := &core.LedgerEvent{
		EventID:      "evt-critical-1",
		Timestamp:    core.FormatTimestamp(at),
		EventType:    core.EventSessionCreated,
		SessionID:    "sess-1",
		DeviceID:     "dev-1",
		UserID:       "user-1",
		DataHash:     HashHex([]byte("payload")),
		PreviousHash: core.GenesisHash,
		Metadata: map[string]interface{}{
			"resource":      "sessions/sess-1",
			"action":        "create",
			"ipAddress":     "10.0.0.7",
			"dataSizeBytes": 4096,
			"note":          "unsigned free text",
		},
	}
	hash, err := ComputeEventHash(event, event.PreviousHash)
	require.NoError(t, err)
	event.EventHash = hash
	require.NoError(t, es.SignEvent(context.Background(), event))
	return event
}

func TestSignAndVerifyEvent(t *testing.T) {
	es := newTestSigner(t)
	event := criticalEvent(t, es)

	assert.NotEmpty(t, event.Signature)
	assert.Equal(t, es.CurrentKeyID(), event.SigningKeyID)
	assert.NoError(t, es.VerifyEvent(context.Background(), event))
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	es := newTestSigner(t)
	event := criticalEvent(t, es)
	event.Signature = ""

	assert.ErrorIs(t, es.VerifyEvent(context.Background(), event), ErrSignatureMissing)
}

func TestVerifyRejectsPlaceholderSignature(t *testing.T) {
	es := newTestSigner(t)
	event := criticalEvent(t, es)
	event.Signature = "SIGNATURE_evt-critical-1"

	assert.ErrorIs(t, es.VerifyEvent(context.Background(), event), ErrPlaceholderSignature)
}

func TestSignedFieldChangeInvalidatesSignature(t *testing.T) {
	es := newTestSigner(t)

	t.Run("event id", func(t *testing.T) {
		event := criticalEvent(t, es)
		event.EventID = "evt-critical-2"
		assert.ErrorIs(t, es.VerifyEvent(context.Background(), event), ErrSignatureInvalid)
	})

	t.Run("signed metadata key", func(t *testing.T) {
		event := criticalEvent(t, es)
		event.Metadata["action"] = "delete"
		assert.ErrorIs(t, es.VerifyEvent(context.Background(), event), ErrSignatureInvalid)
	})

	t.Run("event hash", func(t *testing.T) {
		event := criticalEvent(t, es)
		event.EventHash = HashHex([]byte("forged"))
		assert.ErrorIs(t, es.VerifyEvent(context.Background(), event), ErrSignatureInvalid)
	})
}

func TestUnsignedFieldChangePreservesSignature(t *testing.T) {
	es := newTestSigner(t)

	t.Run("device id", func(t *testing.T) {
		event := criticalEvent(t, es)
		event.DeviceID = "dev-other"
		assert.NoError(t, es.VerifyEvent(context.Background(), event))
	})

	t.Run("unsigned metadata key", func(t *testing.T) {
		event := criticalEvent(t, es)
		event.Metadata["note"] = "edited free text"
		assert.NoError(t, es.VerifyEvent(context.Background(), event))
	})
}

func TestRotationKeepsOldSignaturesVerifiable(t *testing.T) {
	es := newTestSigner(t)
	ctx := context.Background()

	before := criticalEvent(t, es)
	oldKey := before.SigningKeyID

	newKey, err := es.Rotate(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	after := criticalEvent(t, es)
	assert.Equal(t, newKey, after.SigningKeyID)

	assert.NoError(t, es.VerifyEvent(ctx, before), "pre-rotation signature must verify against its own key version")
	assert.NoError(t, es.VerifyEvent(ctx, after))
}

func TestRequiresSignature(t *testing.T) {
	assert.True(t, RequiresSignature(core.EventSessionCreated))
	assert.True(t, RequiresSignature(core.EventDataExported))
	assert.True(t, RequiresSignature(core.EventMLCalibration))
	assert.False(t, RequiresSignature(core.EventDataIngested))
	assert.False(t, RequiresSignature(core.EventDeviceConnected))
}
