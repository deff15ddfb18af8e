package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/quality"
)

const (
	wifiWriteWait    = 10 * time.Second
	wifiHelloWait    = 5 * time.Second
	wifiMaxFrameSize = 512 * 1024
)

// wifiFrame is the JSON wire format spoken by WiFi headsets. The
// device sends a hello frame after accept, then data frames while a
// stream is running. Control ops flow client → device.
type wifiFrame struct {
	Op            string             `json:"op"`
	Name          string             `json:"name,omitempty"`
	Channels      []string           `json:"channels,omitempty"`
	SamplingRate  float64            `json:"sampling_rate_hz,omitempty"`
	Data          [][]float64        `json:"data,omitempty"`
	Timestamp     string             `json:"timestamp,omitempty"`
	SignalType    string             `json:"signal_type,omitempty"`
	Battery       *float64           `json:"battery,omitempty"`
	ImpedanceOhms map[string]float64 `json:"impedance_ohms,omitempty"`
}

// Frame ops.
const (
	wifiOpHello           = "hello"
	wifiOpStart           = "start"
	wifiOpStop            = "stop"
	wifiOpData            = "data"
	wifiOpImpedance       = "impedance"
	wifiOpImpedanceResult = "impedance_result"
)

// WiFiDevice streams from a network headset over a WebSocket. The
// read loop is the only reader of the connection; control writes are
// serialised through writeMu.
type WiFiDevice struct {
	baseDevice
	clock core.Clock

	writeMu sync.Mutex
	conn    *websocket.Conn

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	battMu       sync.Mutex
	battery      float64
	batteryKnown bool
}

// NewWiFiDevice builds a WebSocket-backed device. Channel montage and
// rate are adopted from the headset's hello frame at connect time.
func NewWiFiDevice(deviceID string) *WiFiDevice {
	if deviceID == "" {
		deviceID = "wifi-" + uuid.NewString()[:8]
	}
	caps := Capabilities{
		MaxChannels:       64,
		SignalTypes:       []core.SignalType{core.SignalEEG, core.SignalEMG, core.SignalEOG, core.SignalECG, core.SignalACC},
		HasImpedanceCheck: true,
		HasBattery:        true,
	}
	return &WiFiDevice{
		baseDevice: newBaseDevice(deviceID, TypeWiFi, caps, nil, 0),
		clock:      core.RealClock{},
	}
}

// wifiEndpoint normalises an address into a dialable WebSocket URL.
func wifiEndpoint(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "ws://" + address + "/stream"
}

// Connect dials the headset and waits for its hello frame, which
// carries the montage and nominal rate.
func (w *WiFiDevice) Connect(ctx context.Context, opts ConnectOptions) error {
	if opts.Address == "" {
		return fmt.Errorf("device %s: wifi connect requires an address", w.id)
	}
	if err := w.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = wifiHelloWait
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	endpoint := wifiEndpoint(opts.Address)
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		err = fmt.Errorf("device %s: dial %s: %w", w.id, endpoint, err)
		w.fail(err)
		return err
	}
	conn.SetReadLimit(wifiMaxFrameSize)

	var hello wifiFrame
	conn.SetReadDeadline(time.Now().Add(timeout))
	if err := conn.ReadJSON(&hello); err != nil || hello.Op != wifiOpHello {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("expected hello frame, got %q", hello.Op)
		}
		err = fmt.Errorf("device %s: handshake: %w", w.id, err)
		w.fail(err)
		return err
	}
	conn.SetReadDeadline(time.Time{})

	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	if len(hello.Channels) > 0 {
		w.mu.Lock()
		w.channels = append([]string(nil), hello.Channels...)
		w.mu.Unlock()
	}
	if hello.SamplingRate > 0 {
		w.mu.Lock()
		w.rate = hello.SamplingRate
		w.mu.Unlock()
	}
	w.updateBattery(hello.Battery)

	return w.transition(StateConnecting, StateConnected)
}

// Disconnect closes the socket and lands in DISCONNECTED regardless
// of the state it was called in.
func (w *WiFiDevice) Disconnect() error {
	w.stopLoop()

	w.writeMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.writeMu.Unlock()

	cur := w.sm.Current()
	if cur == StateDisconnected {
		return nil
	}
	return w.transition(cur, StateDisconnected)
}

// StartStreaming sends the start op and launches the read loop.
// Cancelling ctx stops the stream and returns the device to CONNECTED.
func (w *WiFiDevice) StartStreaming(ctx context.Context) error {
	if err := w.transition(StateConnected, StateStreaming); err != nil {
		return err
	}
	if err := w.writeControl(wifiFrame{Op: wifiOpStart}); err != nil {
		w.fail(fmt.Errorf("device %s: start: %w", w.id, err))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	w.runMu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.runMu.Unlock()

	go w.readLoop(runCtx, done)
	return nil
}

// StopStreaming cancels the read loop and waits for it to drain.
func (w *WiFiDevice) StopStreaming() error {
	if w.sm.Current() != StateStreaming {
		return fmt.Errorf("device %s: %w", w.id, ErrNotConnected)
	}
	w.stopLoop()
	return nil
}

func (w *WiFiDevice) stopLoop() {
	w.runMu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *WiFiDevice) readLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		if w.sm.Current() == StateStreaming {
			_ = w.transition(StateStreaming, StateConnected)
		}
		close(done)
	}()

	// An expired read deadline is the only way to unblock ReadJSON, so
	// a watcher stamps one on cancellation.
	unblocked := make(chan struct{})
	defer close(unblocked)
	go func() {
		select {
		case <-ctx.Done():
			w.writeMu.Lock()
			if w.conn != nil {
				w.conn.SetReadDeadline(time.Now())
			}
			w.writeMu.Unlock()
		case <-unblocked:
		}
	}()

	for {
		var frame wifiFrame
		err := w.conn.ReadJSON(&frame)
		if ctx.Err() != nil {
			// Clean stop: tell the headset, clear the deadline for the
			// next stream, and fall back to CONNECTED.
			_ = w.writeControl(wifiFrame{Op: wifiOpStop})
			w.conn.SetReadDeadline(time.Time{})
			return
		}
		if err != nil {
			w.fail(fmt.Errorf("device %s: stream read: %w", w.id, err))
			return
		}

		if frame.Op != wifiOpData {
			continue
		}
		w.updateBattery(frame.Battery)
		if packet := w.framePacket(frame); packet != nil {
			w.emit(packet)
		}
	}
}

// framePacket converts a data frame into a sample packet. Frames that
// fail validation are dropped.
func (w *WiFiDevice) framePacket(frame wifiFrame) *core.SamplePacket {
	channels := frame.Channels
	if len(channels) == 0 {
		channels = w.Channels()
	}
	rate := frame.SamplingRate
	if rate <= 0 {
		rate = w.SamplingRate()
	}

	ts := w.clock.Now()
	if frame.Timestamp != "" {
		if parsed, err := core.ParseTimestamp(frame.Timestamp); err == nil {
			ts = parsed
		}
	}

	signalType := core.SignalType(frame.SignalType)
	if signalType == "" {
		signalType = core.SignalEEG
	}

	packet := &core.SamplePacket{
		Channels:     channels,
		SamplingRate: rate,
		Data:         frame.Data,
		Timestamp:    ts,
		DeviceID:     w.id,
		SignalType:   signalType,
		Source:       TypeWiFi,
	}
	if err := packet.Validate(); err != nil {
		w.logger.Printf("⚠️ %s: dropped malformed frame: %v", w.id, err)
		return nil
	}
	return packet
}

// CheckImpedance runs a request/response exchange. Only valid while
// CONNECTED: the read loop owns the socket during streaming.
func (w *WiFiDevice) CheckImpedance(ctx context.Context) (map[string]core.ImpedanceResult, error) {
	if w.sm.Current() != StateConnected {
		return nil, fmt.Errorf("device %s: impedance check requires CONNECTED: %w", w.id, ErrNotConnected)
	}

	w.writeMu.Lock()
	conn := w.conn
	w.writeMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("device %s: %w", w.id, ErrNotConnected)
	}

	if err := w.writeControl(wifiFrame{Op: wifiOpImpedance}); err != nil {
		return nil, fmt.Errorf("device %s: impedance request: %w", w.id, err)
	}

	deadline := time.Now().Add(wifiHelloWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var frame wifiFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("device %s: impedance response: %w", w.id, err)
		}
		if frame.Op == wifiOpImpedanceResult {
			return quality.GradeImpedanceMap(frame.ImpedanceOhms), nil
		}
	}
}

// BatteryLevel returns the last charge reported by the headset.
func (w *WiFiDevice) BatteryLevel() (float64, error) {
	if w.sm.Current() == StateDisconnected {
		return 0, fmt.Errorf("device %s: %w", w.id, ErrNotConnected)
	}
	w.battMu.Lock()
	defer w.battMu.Unlock()
	if !w.batteryKnown {
		return 0, fmt.Errorf("device %s: battery: %w", w.id, ErrNotSupported)
	}
	return w.battery, nil
}

func (w *WiFiDevice) updateBattery(level *float64) {
	if level == nil {
		return
	}
	w.battMu.Lock()
	w.battery = *level
	w.batteryKnown = true
	w.battMu.Unlock()
}

func (w *WiFiDevice) writeControl(frame wifiFrame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(wifiWriteWait))
	return w.conn.WriteJSON(frame)
}

// WiFiScanner probes candidate endpoints with a full handshake and
// reports the headsets that answered with a hello frame.
type WiFiScanner struct {
	Hosts []string
}

func (w *WiFiScanner) Protocol() Protocol { return ProtocolWiFi }

func (w *WiFiScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	var found []DiscoveredDevice
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}

	for _, host := range w.Hosts {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		conn, _, err := dialer.DialContext(ctx, wifiEndpoint(host), nil)
		if err != nil {
			continue
		}

		var hello wifiFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		readErr := conn.ReadJSON(&hello)
		conn.Close()
		if readErr != nil || hello.Op != wifiOpHello {
			continue
		}

		name := hello.Name
		if name == "" {
			name = host
		}
		dev := NewDiscoveredDevice(TypeWiFi, name, ProtocolWiFi, host, map[string]string{"address": host})
		dev.Metadata = map[string]interface{}{
			"channels":         len(hello.Channels),
			"sampling_rate_hz": hello.SamplingRate,
		}
		found = append(found, dev)
	}
	return found, nil
}

var (
	_ Device           = (*WiFiDevice)(nil)
	_ ImpedanceChecker = (*WiFiDevice)(nil)
	_ BatteryReporter  = (*WiFiDevice)(nil)
	_ Scanner          = (*WiFiScanner)(nil)
)
