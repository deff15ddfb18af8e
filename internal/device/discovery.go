package device

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

// Scanner probes one transport protocol for reachable devices.
type Scanner interface {
	Protocol() Protocol
	Scan(ctx context.Context) ([]DiscoveredDevice, error)
}

// Observer receives discovery notifications. Each unique id is
// notified once across all scan rounds.
type Observer func(DiscoveredDevice)

var defaultScanTimeouts = map[Protocol]time.Duration{
	ProtocolSerial:    2 * time.Second,
	ProtocolBluetooth: 10 * time.Second,
	ProtocolWiFi:      5 * time.Second,
	ProtocolUSB:       2 * time.Second,
	ProtocolLSL:       3 * time.Second,
}

// Discovery runs scan rounds across registered scanners and fans
// de-duplicated sightings out to observers. Observer callbacks run
// synchronously but are panic-isolated: one blowing up must not
// poison the others.
type Discovery struct {
	mu        sync.RWMutex
	scanners  map[Protocol]Scanner
	observers []Observer
	seen      map[string]DiscoveredDevice
	timeouts  map[Protocol]time.Duration
	logger    *log.Logger
}

func NewDiscovery() *Discovery {
	timeouts := make(map[Protocol]time.Duration, len(defaultScanTimeouts))
	for p, d := range defaultScanTimeouts {
		timeouts[p] = d
	}
	return &Discovery{
		scanners: make(map[Protocol]Scanner),
		seen:     make(map[string]DiscoveredDevice),
		timeouts: timeouts,
		logger:   log.New(os.Stdout, "[DISCOVERY] ", log.LstdFlags),
	}
}

// RegisterScanner enables a protocol, replacing any previous scanner
// for it.
func (d *Discovery) RegisterScanner(s Scanner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanners[s.Protocol()] = s
}

// SetScanTimeout overrides the per-round budget for one protocol.
func (d *Discovery) SetScanTimeout(p Protocol, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeouts[p] = timeout
}

// AddObserver registers a notification callback.
func (d *Discovery) AddObserver(fn Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Scan runs one round across every enabled protocol concurrently,
// each scanner under its own timeout. It returns the devices found
// this round; observers hear only about ids never seen before.
func (d *Discovery) Scan(ctx context.Context) []DiscoveredDevice {
	d.mu.RLock()
	scanners := make([]Scanner, 0, len(d.scanners))
	for _, s := range d.scanners {
		scanners = append(scanners, s)
	}
	timeouts := make(map[Protocol]time.Duration, len(d.timeouts))
	for p, t := range d.timeouts {
		timeouts[p] = t
	}
	d.mu.RUnlock()

	results := make(chan []DiscoveredDevice, len(scanners))
	var wg sync.WaitGroup
	for _, scanner := range scanners {
		wg.Add(1)
		go func(s Scanner) {
			defer wg.Done()

			timeout, ok := timeouts[s.Protocol()]
			if !ok || timeout <= 0 {
				timeout = 5 * time.Second
			}
			scanCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			found, err := s.Scan(scanCtx)
			if err != nil && ctx.Err() == nil {
				d.logger.Printf("⚠️ %s scan: %v", s.Protocol(), err)
			}
			results <- found
		}(scanner)
	}
	wg.Wait()
	close(results)

	var round []DiscoveredDevice
	inRound := make(map[string]bool)
	for batch := range results {
		for _, dev := range batch {
			if dev.UniqueID == "" || inRound[dev.UniqueID] {
				continue
			}
			inRound[dev.UniqueID] = true
			round = append(round, dev)

			d.mu.Lock()
			_, known := d.seen[dev.UniqueID]
			d.seen[dev.UniqueID] = dev
			d.mu.Unlock()

			if !known {
				d.logger.Printf("🔍 found %s (%s) via %s", dev.Name, dev.UniqueID, dev.Protocol)
				d.notify(dev)
			}
		}
	}
	return round
}

// notify invokes every observer, recovering panics so one bad
// callback cannot starve the rest.
func (d *Discovery) notify(dev DiscoveredDevice) {
	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Printf("⚠️ observer panic on %s: %v", dev.UniqueID, r)
				}
			}()
			fn(dev)
		}()
	}
}

// Known returns every device seen across all rounds.
func (d *Discovery) Known() []DiscoveredDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	known := make([]DiscoveredDevice, 0, len(d.seen))
	for _, dev := range d.seen {
		known = append(known, dev)
	}
	return known
}

// Reset clears the seen set so the next round re-notifies everything.
func (d *Discovery) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]DiscoveredDevice)
}

// SyntheticScanner reports virtual generator devices so development
// setups have something to find without hardware. It answers on the
// USB protocol unless told otherwise.
type SyntheticScanner struct {
	Count        int
	ScanProtocol Protocol
}

func (s *SyntheticScanner) Protocol() Protocol {
	if s.ScanProtocol == "" {
		return ProtocolUSB
	}
	return s.ScanProtocol
}

func (s *SyntheticScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	count := s.Count
	if count <= 0 {
		count = 1
	}
	found := make([]DiscoveredDevice, 0, count)
	for i := 1; i <= count; i++ {
		key := "sim-" + strconv.Itoa(i)
		dev := NewDiscoveredDevice(TypeSynthetic, "Synthetic EEG "+strconv.Itoa(i), s.Protocol(), key, map[string]string{"seed": strconv.Itoa(i)})
		found = append(found, dev)
	}
	return found, nil
}

var _ Scanner = (*SyntheticScanner)(nil)
