package device

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/quality"
)

// Tone is one sinusoidal component of the synthetic signal.
type Tone struct {
	FrequencyHz float64
	AmplitudeUV float64
	Phase       float64
}

// SyntheticConfig configures the signal generator. Zero values fall
// back to an 8-channel 256 Hz EEG montage carrying a clean 10 Hz
// alpha tone; NoiseUV adds triangular dither on top when set.
type SyntheticConfig struct {
	DeviceID     string
	Channels     []string
	SamplingRate float64
	PacketMs     float64
	Tones        []Tone
	NoiseUV      float64
	Seed         int64
	SignalType   core.SignalType
	Clock        core.Clock
}

var defaultMontage = []string{"Fp1", "Fp2", "C3", "C4", "O1", "O2", "T3", "T4"}

// SyntheticDevice generates deterministic sample packets without any
// hardware. The same config always produces the same signal, which
// makes it the fixture device for tests and local development.
type SyntheticDevice struct {
	baseDevice
	cfg SyntheticConfig
	rng *rand.Rand

	runMu       sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	streamStart time.Time
	sampleIndex uint64

	batteryMu sync.Mutex
	battery   float64
}

// NewSyntheticDevice builds a generator device. Missing config fields
// get the default montage, 256 Hz, 40 ms packets, and a 10 Hz tone at
// 20 µV.
func NewSyntheticDevice(cfg SyntheticConfig) *SyntheticDevice {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "synthetic-" + uuid.NewString()[:8]
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = append([]string(nil), defaultMontage...)
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 256
	}
	if cfg.PacketMs <= 0 {
		cfg.PacketMs = 40
	}
	if len(cfg.Tones) == 0 {
		cfg.Tones = []Tone{{FrequencyHz: 10, AmplitudeUV: 20}}
	}
	if cfg.NoiseUV < 0 {
		cfg.NoiseUV = 0
	}
	if cfg.SignalType == "" {
		cfg.SignalType = core.SignalEEG
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}

	caps := Capabilities{
		SupportedRates:    []float64{128, 250, 256, 512, 1000},
		MaxChannels:       32,
		SignalTypes:       []core.SignalType{core.SignalEEG, core.SignalEMG, core.SignalEOG, core.SignalECG},
		HasImpedanceCheck: true,
		HasBattery:        true,
	}

	return &SyntheticDevice{
		baseDevice: newBaseDevice(cfg.DeviceID, TypeSynthetic, caps, cfg.Channels, cfg.SamplingRate),
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		battery:    1.0,
	}
}

// Connect brings the generator online. There is no transport to open,
// so the CONNECTING edge resolves immediately.
func (s *SyntheticDevice) Connect(ctx context.Context, opts ConnectOptions) error {
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}
	return s.transition(StateConnecting, StateConnected)
}

// Disconnect tears down the stream loop if one is running and returns
// the device to DISCONNECTED from any state.
func (s *SyntheticDevice) Disconnect() error {
	s.stopLoop()

	cur := s.sm.Current()
	if cur == StateDisconnected {
		return nil
	}
	return s.transition(cur, StateDisconnected)
}

// StartStreaming launches the generator loop. Cancelling ctx stops
// the stream and returns the device to CONNECTED.
func (s *SyntheticDevice) StartStreaming(ctx context.Context) error {
	if err := s.transition(StateConnected, StateStreaming); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.runMu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.streamStart = s.cfg.Clock.Now()
	s.sampleIndex = 0
	done := s.done
	s.runMu.Unlock()

	go s.streamLoop(runCtx, done)
	return nil
}

// StopStreaming cancels the loop and waits for it to drain.
func (s *SyntheticDevice) StopStreaming() error {
	if s.sm.Current() != StateStreaming {
		return fmt.Errorf("device %s: %w", s.id, ErrNotConnected)
	}
	s.stopLoop()
	return nil
}

func (s *SyntheticDevice) stopLoop() {
	s.runMu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *SyntheticDevice) streamLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		// Either StopStreaming or a cancelled parent context lands
		// back in CONNECTED. Whoever gets here first wins the edge.
		if s.sm.Current() == StateStreaming {
			_ = s.transition(StateStreaming, StateConnected)
		}
		close(done)
	}()

	interval := time.Duration(s.cfg.PacketMs * float64(time.Millisecond))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emit(s.nextPacket())
			s.drainBattery()
		}
	}
}

// nextPacket synthesises one packet, keeping tone phase continuous
// across packet boundaries via the running sample index.
func (s *SyntheticDevice) nextPacket() *core.SamplePacket {
	channels := s.Channels()
	rate := s.SamplingRate()
	n := int(rate * s.cfg.PacketMs / 1000)
	if n < 1 {
		n = 1
	}

	data := make([][]float64, len(channels))
	for c := range channels {
		// Spread channels across the tone phase so the montage is not
		// eight identical traces.
		chanPhase := float64(c) * math.Pi / 8

		row := make([]float64, n)
		for i := 0; i < n; i++ {
			tSec := float64(s.sampleIndex+uint64(i)) / rate
			v := 0.0
			for _, tone := range s.cfg.Tones {
				v += tone.AmplitudeUV * math.Sin(2*math.Pi*tone.FrequencyHz*tSec+tone.Phase+chanPhase)
			}
			if s.cfg.NoiseUV > 0 {
				// Triangular dither flattens quantisation-style spurs.
				v += (s.rng.Float64() - s.rng.Float64()) * s.cfg.NoiseUV
			}
			row[i] = v
		}
		data[c] = row
	}

	offset := time.Duration(float64(s.sampleIndex) / rate * float64(time.Second))
	packet := &core.SamplePacket{
		Channels:     channels,
		SamplingRate: rate,
		Data:         data,
		Timestamp:    s.streamStart.Add(offset),
		DeviceID:     s.id,
		SignalType:   s.cfg.SignalType,
		Source:       TypeSynthetic,
	}
	s.sampleIndex += uint64(n)
	return packet
}

// CheckImpedance reports deterministic per-channel contact values.
// Only valid while CONNECTED; real electrodes cannot be measured
// mid-stream and the generator mirrors that restriction.
func (s *SyntheticDevice) CheckImpedance(ctx context.Context) (map[string]core.ImpedanceResult, error) {
	if s.sm.Current() != StateConnected {
		return nil, fmt.Errorf("device %s: impedance check requires CONNECTED: %w", s.id, ErrNotConnected)
	}

	ohms := make(map[string]float64)
	for i, ch := range s.Channels() {
		ohms[ch] = 5000 + float64(i)*1500
	}
	return quality.GradeImpedanceMap(ohms), nil
}

// BatteryLevel returns the simulated charge in [0,1].
func (s *SyntheticDevice) BatteryLevel() (float64, error) {
	if s.sm.Current() == StateDisconnected {
		return 0, fmt.Errorf("device %s: %w", s.id, ErrNotConnected)
	}
	s.batteryMu.Lock()
	defer s.batteryMu.Unlock()
	return s.battery, nil
}

func (s *SyntheticDevice) drainBattery() {
	s.batteryMu.Lock()
	defer s.batteryMu.Unlock()
	s.battery -= 0.00001
	if s.battery < 0.05 {
		s.battery = 0.05
	}
}

var (
	_ Device           = (*SyntheticDevice)(nil)
	_ ImpedanceChecker = (*SyntheticDevice)(nil)
	_ BatteryReporter  = (*SyntheticDevice)(nil)
)
