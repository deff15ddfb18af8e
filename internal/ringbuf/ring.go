package ringbuf

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

// Buffer is a fixed-capacity circular store of multi-channel samples with
// parallel per-sample timestamps. One producer appends packets; any number
// of consumers extract windows. A single mutex serialises both sides;
// operations are O(n) in the sample count and stay well under a
// millisecond at EEG rates.
type Buffer struct {
	mu sync.Mutex

	channels     []string
	samplingRate float64
	capacity     int // N samples per channel

	data       [][]float64 // [channel][capacity]
	timestamps []float64   // unix seconds, parallel to data columns

	writePos       int
	samplesWritten uint64
}

// New creates a buffer holding durationMs of samples per channel:
// N = floor(durationMs/1000 * samplingRate).
func New(channels []string, samplingRate float64, durationMs float64) (*Buffer, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("ringbuf: no channels")
	}
	if samplingRate <= 0 {
		return nil, fmt.Errorf("ringbuf: invalid sampling rate %v", samplingRate)
	}
	capacity := int(durationMs / 1000.0 * samplingRate)
	if capacity < 1 {
		return nil, fmt.Errorf("ringbuf: capacity %d from %vms at %vHz", capacity, durationMs, samplingRate)
	}

	data := make([][]float64, len(channels))
	for i := range data {
		data[i] = make([]float64, capacity)
	}
	return &Buffer{
		channels:     append([]string(nil), channels...),
		samplingRate: samplingRate,
		capacity:     capacity,
		data:         data,
		timestamps:   make([]float64, capacity),
	}, nil
}

// Channels returns the channel names in storage order.
func (b *Buffer) Channels() []string {
	return b.channels
}

// SamplingRate returns the configured rate in Hz.
func (b *Buffer) SamplingRate() float64 {
	return b.samplingRate
}

// Capacity returns N, the per-channel sample capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// SamplesWritten returns the cumulative sample count appended so far.
func (b *Buffer) SamplesWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samplesWritten
}

// DurationSeconds returns the span of data currently held, capped at the
// buffer capacity.
func (b *Buffer) DurationSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	held := b.samplesWritten
	if held > uint64(b.capacity) {
		held = uint64(b.capacity)
	}
	return float64(held) / b.samplingRate
}

// Add copies the packet's samples into the ring, wrapping in two spans
// when the write crosses the end. Per-sample timestamps are interpolated
// from the packet timestamp at the sampling rate. Packets wider than the
// buffer capacity keep only their newest samples.
func (b *Buffer) Add(packet *core.SamplePacket) error {
	if err := packet.Validate(); err != nil {
		return fmt.Errorf("ringbuf: %w", err)
	}
	if len(packet.Channels) != len(b.channels) {
		return fmt.Errorf("ringbuf: packet has %d channels, buffer has %d", len(packet.Channels), len(b.channels))
	}

	n := packet.SampleCount()
	if n == 0 {
		return nil
	}
	offset := 0
	if n > b.capacity {
		offset = n - b.capacity
		n = b.capacity
	}
	t0 := float64(packet.Timestamp.UnixNano()) / 1e9

	b.mu.Lock()
	defer b.mu.Unlock()

	first := n
	if b.writePos+n > b.capacity {
		first = b.capacity - b.writePos
	}
	for ch := range b.data {
		src := packet.Data[ch][offset:]
		copy(b.data[ch][b.writePos:b.writePos+first], src[:first])
		copy(b.data[ch][:n-first], src[first:n])
	}
	for i := 0; i < n; i++ {
		pos := (b.writePos + i) % b.capacity
		b.timestamps[pos] = t0 + float64(offset+i)/b.samplingRate
	}

	b.writePos = (b.writePos + n) % b.capacity
	b.samplesWritten += uint64(n)
	return nil
}

// Window returns the most recent n = round(durationMs*rate/1000) samples
// as a fresh matrix, or false when fewer samples have been written.
func (b *Buffer) Window(durationMs float64) (*core.Window, bool) {
	n := int(math.Round(durationMs * b.samplingRate / 1000.0))
	if n < 1 {
		return nil, false
	}
	if n > b.capacity {
		n = b.capacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.samplesWritten < uint64(n) {
		return nil, false
	}

	var start int
	if b.samplesWritten >= uint64(b.capacity) {
		start = ((b.writePos-n)%b.capacity + b.capacity) % b.capacity
	} else {
		start = b.writePos - n
		if start < 0 {
			start = 0
		}
	}

	data := make([][]float64, len(b.channels))
	for ch := range data {
		row := make([]float64, n)
		for i := 0; i < n; i++ {
			row[i] = b.data[ch][(start+i)%b.capacity]
		}
		data[ch] = row
	}
	startSec := b.timestamps[start]

	return &core.Window{
		Channels:     b.channels,
		SamplingRate: b.samplingRate,
		Data:         data,
		StartTime:    time.Unix(0, int64(startSec*1e9)).UTC(),
		DurationMs:   float64(n) / b.samplingRate * 1000.0,
	}, true
}

// Timestamps returns a copy of the per-sample timestamps for the most
// recent n samples, oldest first. Used by quality checks and tests.
func (b *Buffer) Timestamps(n int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 1 || b.samplesWritten < uint64(n) {
		return nil
	}
	if n > b.capacity {
		n = b.capacity
	}
	var start int
	if b.samplesWritten >= uint64(b.capacity) {
		start = ((b.writePos-n)%b.capacity + b.capacity) % b.capacity
	} else {
		start = b.writePos - n
		if start < 0 {
			start = 0
		}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = b.timestamps[(start+i)%b.capacity]
	}
	return out
}

// Clear resets the buffer to all-zeros and rewinds both counters.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.data {
		for i := range b.data[ch] {
			b.data[ch][i] = 0
		}
	}
	for i := range b.timestamps {
		b.timestamps[i] = 0
	}
	b.writePos = 0
	b.samplesWritten = 0
}
