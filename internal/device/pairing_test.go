package device

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func TestPairingRoundTrip(t *testing.T) {
	reg := NewPairingRegistry(0, nil)

	code, err := reg.CreatePairing("headset-1", "Crown")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(code, "nlp_"))

	idPart, secret, ok := strings.Cut(strings.TrimPrefix(code, "nlp_"), ".")
	require.True(t, ok)
	assert.Len(t, idPart, 16)
	assert.Len(t, secret, 32)

	assert.False(t, reg.IsPaired("headset-1"))

	deviceID, err := reg.ValidatePairing(code)
	require.NoError(t, err)
	assert.Equal(t, "headset-1", deviceID)
	assert.True(t, reg.IsPaired("headset-1"))

	paired := reg.PairedDevices()
	require.Len(t, paired, 1)
	assert.Equal(t, "headset-1", paired[0].DeviceID)
	assert.Equal(t, "Crown", paired[0].Name)
	assert.False(t, paired[0].UsedAt.IsZero())
}

func TestPairingCodesAreSingleUse(t *testing.T) {
	reg := NewPairingRegistry(0, nil)
	code, err := reg.CreatePairing("headset-1", "")
	require.NoError(t, err)

	_, err = reg.ValidatePairing(code)
	require.NoError(t, err)

	_, err = reg.ValidatePairing(code)
	assert.ErrorIs(t, err, ErrPairingUsed)
}

func TestPairingExpiry(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	fc := &core.FixedClock{T: base}
	reg := NewPairingRegistry(10*time.Minute, fc)

	code, err := reg.CreatePairing("headset-1", "")
	require.NoError(t, err)

	fc.T = base.Add(11 * time.Minute)
	_, err = reg.ValidatePairing(code)
	assert.ErrorIs(t, err, ErrPairingExpired)
	assert.False(t, reg.IsPaired("headset-1"))

	assert.Equal(t, 1, reg.PruneExpired())
	_, err = reg.ValidatePairing(code)
	assert.ErrorIs(t, err, ErrPairingUnknown)
}

func TestPairingRejectsBadCodes(t *testing.T) {
	reg := NewPairingRegistry(0, nil)
	code, err := reg.CreatePairing("headset-1", "")
	require.NoError(t, err)

	_, err = reg.ValidatePairing("wrong_prefix.secret")
	assert.ErrorIs(t, err, ErrPairingUnknown)

	_, err = reg.ValidatePairing("nlp_nodothere")
	assert.ErrorIs(t, err, ErrPairingUnknown)

	_, err = reg.ValidatePairing("nlp_0123456789abcdef.00000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrPairingUnknown)

	// Right id, wrong secret.
	tampered := code[:len(code)-1]
	if strings.HasSuffix(code, "0") {
		tampered += "1"
	} else {
		tampered += "0"
	}
	_, err = reg.ValidatePairing(tampered)
	assert.ErrorIs(t, err, ErrPairingUnknown)
	assert.False(t, reg.IsPaired("headset-1"))

	// The real code still works after failed attempts.
	_, err = reg.ValidatePairing(code)
	assert.NoError(t, err)
}

func TestPairingRevoke(t *testing.T) {
	reg := NewPairingRegistry(0, nil)
	code, err := reg.CreatePairing("headset-1", "")
	require.NoError(t, err)

	_, err = reg.ValidatePairing(code)
	require.NoError(t, err)
	require.True(t, reg.IsPaired("headset-1"))

	reg.Revoke("headset-1")
	assert.False(t, reg.IsPaired("headset-1"))
	assert.Empty(t, reg.PairedDevices())

	_, err = reg.ValidatePairing(code)
	assert.ErrorIs(t, err, ErrPairingUnknown, "revocation burns the code")
}

func TestPairingRequiresDeviceID(t *testing.T) {
	reg := NewPairingRegistry(0, nil)
	_, err := reg.CreatePairing("", "x")
	assert.Error(t, err)
}
