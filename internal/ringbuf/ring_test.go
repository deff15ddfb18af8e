package ringbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroloop/backend/internal/core"
)

func makePacket(channels []string, rate float64, start float64, values []float64) *core.SamplePacket {
	data := make([][]float64, len(channels))
	for ch := range data {
		row := make([]float64, len(values))
		for i, v := range values {
			row[i] = v + float64(ch)*1000
		}
		data[ch] = row
	}
	return &core.SamplePacket{
		Channels:     channels,
		SamplingRate: rate,
		Data:         data,
		Timestamp:    time.Unix(0, int64(start*1e9)).UTC(),
		DeviceID:     "dev-1",
		SessionID:    "sess-1",
		SignalType:   core.SignalEEG,
		Source:       "test",
	}
}

func seq(from, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(from + i)
	}
	return out
}

func TestBufferRoundTrip(t *testing.T) {
	channels := []string{"C3", "C4"}
	buf, err := New(channels, 100, 1000) // capacity 100
	require.NoError(t, err)
	require.Equal(t, 100, buf.Capacity())

	// Window before any data must miss.
	_, ok := buf.Window(100)
	assert.False(t, ok)

	// Feed 0..49 in two packets.
	require.NoError(t, buf.Add(makePacket(channels, 100, 0, seq(0, 30))))
	require.NoError(t, buf.Add(makePacket(channels, 100, 0.3, seq(30, 20))))

	// 200ms window = last 20 samples: 30..49.
	w, ok := buf.Window(200)
	require.True(t, ok)
	require.Equal(t, 20, w.SampleCount())
	assert.Equal(t, 30.0, w.Data[0][0])
	assert.Equal(t, 49.0, w.Data[0][19])
	assert.Equal(t, 1030.0, w.Data[1][0])

	// Requesting more than written must miss.
	_, ok = buf.Window(600)
	assert.False(t, ok)
}

func TestBufferWraparound(t *testing.T) {
	channels := []string{"Cz"}
	buf, err := New(channels, 100, 1000) // capacity 100
	require.NoError(t, err)

	// 150 samples: the ring keeps 50..149 after trimming to capacity.
	require.NoError(t, buf.Add(makePacket(channels, 100, 0, seq(0, 150))))
	assert.Equal(t, uint64(100), buf.SamplesWritten())

	require.NoError(t, buf.Add(makePacket(channels, 100, 1.5, seq(150, 30))))

	// Full window: last 100 samples are 80..179.
	w, ok := buf.Window(1000)
	require.True(t, ok)
	require.Equal(t, 100, w.SampleCount())
	assert.Equal(t, 80.0, w.Data[0][0])
	assert.Equal(t, 179.0, w.Data[0][99])
}

func TestBufferTimestampsMonotonic(t *testing.T) {
	channels := []string{"Fp1"}
	buf, err := New(channels, 250, 2000)
	require.NoError(t, err)

	start := 100.0
	for i := 0; i < 8; i++ {
		p := makePacket(channels, 250, start, seq(i*50, 50))
		require.NoError(t, buf.Add(p))
		start += 50.0 / 250.0
	}

	ts := buf.Timestamps(400)
	require.Len(t, ts, 400)
	for i := 1; i < len(ts); i++ {
		assert.Greater(t, ts[i], ts[i-1], "timestamp %d not monotonic", i)
	}

	w, ok := buf.Window(400) // 100 samples
	require.True(t, ok)
	assert.InDelta(t, 100.0+300.0/250.0, float64(w.StartTime.UnixNano())/1e9, 1e-6)
}

func TestBufferClear(t *testing.T) {
	channels := []string{"O1", "O2"}
	buf, err := New(channels, 128, 500)
	require.NoError(t, err)

	require.NoError(t, buf.Add(makePacket(channels, 128, 0, seq(0, 64))))
	buf.Clear()

	assert.Equal(t, uint64(0), buf.SamplesWritten())
	_, ok := buf.Window(100)
	assert.False(t, ok)

	// Buffer is reusable after a reset.
	require.NoError(t, buf.Add(makePacket(channels, 128, 5, seq(0, 64))))
	w, ok := buf.Window(500)
	require.True(t, ok)
	assert.Equal(t, 64, w.SampleCount())
}

func TestBufferRejectsMalformedPackets(t *testing.T) {
	buf, err := New([]string{"C3", "C4"}, 100, 1000)
	require.NoError(t, err)

	bad := makePacket([]string{"C3"}, 100, 0, seq(0, 10))
	assert.Error(t, buf.Add(bad))

	ragged := makePacket([]string{"C3", "C4"}, 100, 0, seq(0, 10))
	ragged.Data[1] = ragged.Data[1][:5]
	assert.Error(t, buf.Add(ragged))
}

func BenchmarkBufferAdd(b *testing.B) {
	channels := []string{"C3", "C4", "Cz", "Pz"}
	buf, _ := New(channels, 256, 4000)
	p := makePacket(channels, 256, 0, seq(0, 32))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Add(p)
	}
}

func BenchmarkBufferWindow(b *testing.B) {
	channels := []string{"C3", "C4", "Cz", "Pz"}
	buf, _ := New(channels, 256, 4000)
	for i := 0; i < 40; i++ {
		_ = buf.Add(makePacket(channels, 256, float64(i)/8, seq(i*32, 32)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Window(1000)
	}
}
