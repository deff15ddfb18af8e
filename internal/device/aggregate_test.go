package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func packetAt(deviceID string, ts time.Time, samples int) *core.SamplePacket {
	return &core.SamplePacket{
		Channels:     []string{"C3"},
		SamplingRate: 256,
		Data:         [][]float64{make([]float64, samples)},
		Timestamp:    ts,
		DeviceID:     deviceID,
		SignalType:   core.SignalEEG,
		Source:       TypeSynthetic,
	}
}

func TestAggregatorBucketsByTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	batches := &batchRecorder{}
	agg := newAggregator(100, batches.record)

	agg.add(packetAt("sim-a", base, 10), "sess-1")
	agg.add(packetAt("sim-b", base.Add(40*time.Millisecond), 10), "sess-1")
	assert.Zero(t, batches.count(), "window still open")

	// A packet from the next bucket flushes the previous one.
	agg.add(packetAt("sim-a", base.Add(110*time.Millisecond), 10), "sess-1")
	require.Equal(t, 1, batches.count())

	first := batches.snapshot()[0]
	assert.Equal(t, "sess-1", first.SessionID)
	assert.Equal(t, base, first.WindowStart)
	assert.Equal(t, 100.0, first.WindowMs)
	assert.Equal(t, []string{"sim-a", "sim-b"}, first.DeviceIDs)
	assert.Len(t, first.Packets, 2)
	assert.Equal(t, 20, first.SampleCount)

	agg.Flush()
	require.Equal(t, 2, batches.count())
	second := batches.snapshot()[1]
	assert.Equal(t, base.Add(100*time.Millisecond), second.WindowStart)
	assert.Len(t, second.Packets, 1)
}

func TestAggregatorLatePacketFoldsIntoOpenWindow(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	batches := &batchRecorder{}
	agg := newAggregator(100, batches.record)

	agg.add(packetAt("sim-a", base.Add(110*time.Millisecond), 10), "sess-1")
	agg.add(packetAt("sim-a", base.Add(40*time.Millisecond), 10), "sess-1")
	assert.Zero(t, batches.count(), "late arrivals are kept, not flushed")

	agg.Flush()
	require.Equal(t, 1, batches.count())
	got := batches.snapshot()[0]
	assert.Len(t, got.Packets, 2)
	assert.Equal(t, base.Add(100*time.Millisecond), got.WindowStart)
}

func TestAggregatorSessionChangeFlushes(t *testing.T) {
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	batches := &batchRecorder{}
	agg := newAggregator(100, batches.record)

	agg.add(packetAt("sim-a", base, 10), "sess-1")
	agg.add(packetAt("sim-a", base.Add(10*time.Millisecond), 10), "sess-2")

	require.Equal(t, 1, batches.count())
	assert.Equal(t, "sess-1", batches.snapshot()[0].SessionID)

	agg.Flush()
	require.Equal(t, 2, batches.count())
	assert.Equal(t, "sess-2", batches.snapshot()[1].SessionID)
}

func TestAggregatorEmptyFlushIsNoop(t *testing.T) {
	batches := &batchRecorder{}
	agg := newAggregator(100, batches.record)
	agg.Flush()
	agg.Flush()
	assert.Zero(t, batches.count())
}

func TestAggregatorDefaultWindow(t *testing.T) {
	agg := newAggregator(0, nil)
	assert.Equal(t, int64(1000), agg.windowMs)
}
