package device

import (
	"sort"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

// AggregatedBatch is one aggregation window of packets for a session,
// across every streaming device. The ledger hashes the serialised
// batch to anchor raw data in the audit chain.
type AggregatedBatch struct {
	SessionID   string               `json:"session_id"`
	WindowStart time.Time            `json:"window_start"`
	WindowMs    float64              `json:"window_ms"`
	DeviceIDs   []string             `json:"device_ids"`
	Packets     []*core.SamplePacket `json:"packets"`
	SampleCount int                  `json:"sample_count"`
}

// BatchCallback receives a flushed aggregation window.
type BatchCallback func(batch AggregatedBatch)

// aggregator batches packets into fixed windows aligned to the epoch:
// a packet lands in the bucket floor(ts/window). A packet from a newer
// bucket flushes the current one; late packets fold into the open
// window rather than being dropped.
type aggregator struct {
	windowMs int64

	mu      sync.Mutex
	started bool
	bucket  int64
	session string
	packets []*core.SamplePacket
	flushFn BatchCallback
}

func newAggregator(windowMs float64, flush BatchCallback) *aggregator {
	if windowMs <= 0 {
		windowMs = 1000
	}
	return &aggregator{windowMs: int64(windowMs), flushFn: flush}
}

func (a *aggregator) add(packet *core.SamplePacket, session string) {
	ms := packet.Timestamp.UnixMilli()
	bucket := ms - ms%a.windowMs

	a.mu.Lock()
	if a.started && (bucket > a.bucket || session != a.session) {
		batch := a.drainLocked()
		a.mu.Unlock()
		a.emit(batch)
		a.mu.Lock()
	}
	if !a.started {
		a.started = true
		a.bucket = bucket
		a.session = session
	}
	a.packets = append(a.packets, packet)
	a.mu.Unlock()
}

// Flush closes the open window, if any.
func (a *aggregator) Flush() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	batch := a.drainLocked()
	a.mu.Unlock()
	a.emit(batch)
}

// drainLocked snapshots and clears the open window. Callers hold the
// lock and emit the batch after releasing it.
func (a *aggregator) drainLocked() AggregatedBatch {
	batch := AggregatedBatch{
		SessionID:   a.session,
		WindowStart: time.UnixMilli(a.bucket).UTC(),
		WindowMs:    float64(a.windowMs),
		Packets:     a.packets,
	}

	devices := make(map[string]bool)
	for _, p := range batch.Packets {
		batch.SampleCount += p.SampleCount()
		devices[p.DeviceID] = true
	}
	batch.DeviceIDs = make([]string, 0, len(devices))
	for id := range devices {
		batch.DeviceIDs = append(batch.DeviceIDs, id)
	}
	sort.Strings(batch.DeviceIDs)

	a.started = false
	a.packets = nil
	a.session = ""
	return batch
}

func (a *aggregator) emit(batch AggregatedBatch) {
	if a.flushFn != nil && len(batch.Packets) > 0 {
		a.flushFn(batch)
	}
}
