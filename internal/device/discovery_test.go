package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedScanner returns a fixed batch per round.
type scriptedScanner struct {
	proto   Protocol
	batches [][]DiscoveredDevice
	calls   int
	mu      sync.Mutex
}

func (s *scriptedScanner) Protocol() Protocol { return s.proto }

func (s *scriptedScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.batches) {
		return nil, nil
	}
	batch := s.batches[s.calls]
	s.calls++
	return batch, nil
}

// stuckScanner blocks until its context expires.
type stuckScanner struct{ proto Protocol }

func (s *stuckScanner) Protocol() Protocol { return s.proto }

func (s *stuckScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDiscoveryNotifiesNewDevicesOnce(t *testing.T) {
	crown := NewDiscoveredDevice(TypeWiFi, "Crown", ProtocolWiFi, "aa:bb:cc", map[string]string{"address": "10.0.0.5:8765"})
	board := NewDiscoveredDevice(TypeSerial, "Cyton", ProtocolSerial, "/dev/ttyUSB0", map[string]string{"port": "/dev/ttyUSB0"})

	disc := NewDiscovery()
	disc.RegisterScanner(&scriptedScanner{
		proto: ProtocolWiFi,
		batches: [][]DiscoveredDevice{
			{crown},
			{crown, board},
		},
	})

	var mu sync.Mutex
	var notified []string
	disc.AddObserver(func(dev DiscoveredDevice) {
		mu.Lock()
		notified = append(notified, dev.UniqueID)
		mu.Unlock()
	})

	first := disc.Scan(context.Background())
	require.Len(t, first, 1)

	second := disc.Scan(context.Background())
	require.Len(t, second, 2, "a round reports everything it saw, seen or not")

	mu.Lock()
	assert.Equal(t, []string{crown.UniqueID, board.UniqueID}, notified, "observers hear each id once across rounds")
	mu.Unlock()

	assert.Len(t, disc.Known(), 2)

	// Reset forgets the seen set; the next sighting re-notifies.
	disc.Reset()
	disc.Scan(context.Background())
	mu.Lock()
	assert.Len(t, notified, 2, "scripted scanner is exhausted, nothing new")
	mu.Unlock()
}

func TestDiscoveryDeduplicatesWithinRound(t *testing.T) {
	dup := NewDiscoveredDevice(TypeWiFi, "Crown", ProtocolWiFi, "aa:bb:cc", nil)

	disc := NewDiscovery()
	disc.RegisterScanner(&scriptedScanner{proto: ProtocolWiFi, batches: [][]DiscoveredDevice{{dup, dup}}})

	round := disc.Scan(context.Background())
	assert.Len(t, round, 1)
}

func TestDiscoveryObserverPanicIsolated(t *testing.T) {
	disc := NewDiscovery()
	disc.RegisterScanner(&SyntheticScanner{Count: 1})

	var mu sync.Mutex
	var survived bool
	disc.AddObserver(func(DiscoveredDevice) { panic("boom") })
	disc.AddObserver(func(DiscoveredDevice) {
		mu.Lock()
		survived = true
		mu.Unlock()
	})

	round := disc.Scan(context.Background())
	require.Len(t, round, 1)
	mu.Lock()
	assert.True(t, survived, "a panicking observer must not starve the rest")
	mu.Unlock()
}

func TestDiscoveryScannerTimeoutDoesNotStallRound(t *testing.T) {
	disc := NewDiscovery()
	disc.RegisterScanner(&stuckScanner{proto: ProtocolBluetooth})
	disc.RegisterScanner(&SyntheticScanner{Count: 1})
	disc.SetScanTimeout(ProtocolBluetooth, 50*time.Millisecond)

	start := time.Now()
	round := disc.Scan(context.Background())
	elapsed := time.Since(start)

	require.Len(t, round, 1, "the healthy scanner's devices still arrive")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDiscoveryMergesProtocolsConcurrently(t *testing.T) {
	crown := NewDiscoveredDevice(TypeWiFi, "Crown", ProtocolWiFi, "aa:bb:cc", nil)

	disc := NewDiscovery()
	disc.RegisterScanner(&scriptedScanner{proto: ProtocolWiFi, batches: [][]DiscoveredDevice{{crown}}})
	disc.RegisterScanner(&SyntheticScanner{Count: 2})

	round := disc.Scan(context.Background())
	assert.Len(t, round, 3)
	assert.Len(t, disc.Known(), 3)
}

func TestSyntheticScannerCount(t *testing.T) {
	found, err := (&SyntheticScanner{Count: 3}).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, TypeSynthetic+"_sim-1", found[0].UniqueID)
	assert.Equal(t, "1", found[0].ConnectionInfo["seed"])
	assert.Equal(t, ProtocolUSB, found[0].Protocol)

	one, err := (&SyntheticScanner{}).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, one, 1)
}
