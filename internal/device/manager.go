package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/internal/metrics"
	"github.com/neuroloop/backend/pb"
)

// PacketCallback receives every session-stamped packet.
type PacketCallback func(packet *core.SamplePacket)

// DeviceStateCallback observes lifecycle edges of managed devices.
type DeviceStateCallback func(deviceID string, from, to State)

// DeviceErrorCallback receives faults from managed devices.
type DeviceErrorCallback func(deviceID string, err error)

// ManagerConfig wires the manager's collaborators. LSLBridge and
// SerialOpener feed the discovered-device constructors; leaving them
// nil disables instantiating those types.
type ManagerConfig struct {
	WindowMs     float64
	Metrics      *metrics.Metrics
	Clock        core.Clock
	LSLBridge    pb.LSLBridgeClient
	SerialOpener PortOpener
	PairingTTL   time.Duration
}

// DeviceStatus is the registry view of one device.
type DeviceStatus struct {
	DeviceID     string   `json:"device_id"`
	Type         string   `json:"type"`
	State        string   `json:"state"`
	Channels     []string `json:"channels"`
	SamplingRate float64  `json:"sampling_rate_hz"`
	Paired       bool     `json:"paired"`
}

// Manager owns the device registry, the active session identity, and
// the aggregation window. Packets only exist inside a session: data
// arriving while no session is active is dropped.
type Manager struct {
	cfg       ManagerConfig
	metrics   *metrics.Metrics
	clock     core.Clock
	logger    *log.Logger
	discovery *Discovery
	pairing   *PairingRegistry
	agg       *aggregator

	mu      sync.RWMutex
	devices map[string]Device
	session string
	dropped uint64

	cbMu     sync.RWMutex
	onPacket PacketCallback
	onBatch  BatchCallback
	onState  DeviceStateCallback
	onError  DeviceErrorCallback
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	m := &Manager{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    log.New(os.Stdout, "[MANAGER] ", log.LstdFlags),
		discovery: NewDiscovery(),
		pairing:   NewPairingRegistry(cfg.PairingTTL, cfg.Clock),
		devices:   make(map[string]Device),
	}
	m.agg = newAggregator(cfg.WindowMs, m.dispatchBatch)
	return m
}

func (m *Manager) Discovery() *Discovery     { return m.discovery }
func (m *Manager) Pairing() *PairingRegistry { return m.pairing }

func (m *Manager) OnPacket(cb PacketCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onPacket = cb
}

// OnBatch registers the aggregation-window consumer.
func (m *Manager) OnBatch(cb BatchCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onBatch = cb
}

func (m *Manager) OnDeviceState(cb DeviceStateCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onState = cb
}

func (m *Manager) OnDeviceError(cb DeviceErrorCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onError = cb
}

// Register adds a device and wires its callbacks into the manager.
func (m *Manager) Register(dev Device) error {
	id := dev.ID()

	m.mu.Lock()
	if _, exists := m.devices[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("manager: device %s already registered", id)
	}
	m.devices[id] = dev
	m.mu.Unlock()

	dev.OnData(func(packet *core.SamplePacket) { m.handlePacket(id, packet) })
	dev.OnState(func(from, to State) { m.handleState(id, from, to) })
	dev.OnError(func(err error) { m.handleError(id, err) })

	m.metrics.SetDeviceState(id, dev.State().String(), true)
	m.logger.Printf("📟 registered %s (%s)", id, dev.Type())
	return nil
}

// Unregister disconnects and removes a device.
func (m *Manager) Unregister(deviceID string) error {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("manager: unknown device %s", deviceID)
	}
	if dev.State() != StateDisconnected {
		if err := dev.Disconnect(); err != nil {
			m.logger.Printf("⚠️ disconnect during unregister of %s: %v", deviceID, err)
		}
	}
	m.logger.Printf("🗑️ unregistered %s", deviceID)
	return nil
}

// Device looks up a registered device.
func (m *Manager) Device(deviceID string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	return dev, ok
}

// DeviceIDs lists registered ids in stable order.
func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Statuses reports the registry view for the service surface.
func (m *Manager) Statuses() []DeviceStatus {
	ids := m.DeviceIDs()
	out := make([]DeviceStatus, 0, len(ids))
	for _, id := range ids {
		dev, ok := m.Device(id)
		if !ok {
			continue
		}
		status := DeviceStatus{
			DeviceID: id,
			Type:     dev.Type(),
			State:    dev.State().String(),
			Paired:   m.pairing.IsPaired(id),
		}
		if bd, ok := dev.(interface {
			Channels() []string
			SamplingRate() float64
		}); ok {
			status.Channels = bd.Channels()
			status.SamplingRate = bd.SamplingRate()
		}
		out = append(out, status)
	}
	return out
}

// SetActiveSession assigns the session identity stamped onto packets.
// Changing sessions flushes the open aggregation window first.
func (m *Manager) SetActiveSession(sessionID string) {
	m.agg.Flush()

	m.mu.Lock()
	m.session = sessionID
	m.mu.Unlock()

	if sessionID == "" {
		m.logger.Printf("🛑 session cleared")
	} else {
		m.logger.Printf("▶️ session %s active", sessionID)
	}
}

func (m *Manager) ActiveSession() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Connect connects one registered device.
func (m *Manager) Connect(ctx context.Context, deviceID string, opts ConnectOptions) error {
	dev, ok := m.Device(deviceID)
	if !ok {
		return fmt.Errorf("manager: unknown device %s", deviceID)
	}
	return dev.Connect(ctx, opts)
}

// Disconnect disconnects one registered device.
func (m *Manager) Disconnect(deviceID string) error {
	dev, ok := m.Device(deviceID)
	if !ok {
		return fmt.Errorf("manager: unknown device %s", deviceID)
	}
	return dev.Disconnect()
}

// StartStreaming starts the named devices, or every CONNECTED device
// when none are named. Failures are per-device: one refusing to start
// does not stop the others.
func (m *Manager) StartStreaming(ctx context.Context, deviceIDs ...string) error {
	targets, err := m.resolveTargets(deviceIDs, StateConnected)
	if err != nil {
		return err
	}

	var errs []error
	for _, dev := range targets {
		if err := dev.StartStreaming(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopStreaming stops the named devices, or every STREAMING device
// when none are named, then flushes the open aggregation window.
func (m *Manager) StopStreaming(deviceIDs ...string) error {
	targets, err := m.resolveTargets(deviceIDs, StateStreaming)
	if err != nil {
		return err
	}

	var errs []error
	for _, dev := range targets {
		if err := dev.StopStreaming(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.ID(), err))
		}
	}
	m.agg.Flush()
	return errors.Join(errs...)
}

// resolveTargets maps explicit ids to devices, or collects every
// device currently in want state when ids is empty.
func (m *Manager) resolveTargets(deviceIDs []string, want State) ([]Device, error) {
	if len(deviceIDs) > 0 {
		targets := make([]Device, 0, len(deviceIDs))
		for _, id := range deviceIDs {
			dev, ok := m.Device(id)
			if !ok {
				return nil, fmt.Errorf("manager: unknown device %s", id)
			}
			targets = append(targets, dev)
		}
		return targets, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var targets []Device
	for _, dev := range m.devices {
		if dev.State() == want {
			targets = append(targets, dev)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("manager: no devices in state %s", want)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })
	return targets, nil
}

// FlushAggregates force-closes the open aggregation window.
func (m *Manager) FlushAggregates() {
	m.agg.Flush()
}

func (m *Manager) handlePacket(deviceID string, packet *core.SamplePacket) {
	session := m.ActiveSession()
	if session == "" {
		m.mu.Lock()
		m.dropped++
		dropped := m.dropped
		m.mu.Unlock()
		if dropped%100 == 1 {
			m.logger.Printf("⚠️ dropping packets from %s: no active session (%d so far)", deviceID, dropped)
		}
		return
	}

	packet.SessionID = session
	m.metrics.RecordPacket(deviceID, packet.SampleCount())

	m.cbMu.RLock()
	onPacket := m.onPacket
	m.cbMu.RUnlock()
	if onPacket != nil {
		onPacket(packet)
	}

	m.agg.add(packet, session)
}

func (m *Manager) handleState(deviceID string, from, to State) {
	m.metrics.SetDeviceState(deviceID, from.String(), false)
	m.metrics.SetDeviceState(deviceID, to.String(), true)
	m.logger.Printf("🔄 %s: %s → %s", deviceID, from, to)

	m.cbMu.RLock()
	onState := m.onState
	m.cbMu.RUnlock()
	if onState != nil {
		onState(deviceID, from, to)
	}
}

func (m *Manager) handleError(deviceID string, err error) {
	m.logger.Printf("❌ %s: %v", deviceID, err)

	m.cbMu.RLock()
	onError := m.onError
	m.cbMu.RUnlock()
	if onError != nil {
		onError(deviceID, err)
	}
}

func (m *Manager) dispatchBatch(batch AggregatedBatch) {
	m.logger.Printf("📦 window %s: %d packets, %d samples from %d devices",
		batch.WindowStart.Format("15:04:05.000"), len(batch.Packets), batch.SampleCount, len(batch.DeviceIDs))

	m.cbMu.RLock()
	onBatch := m.onBatch
	m.cbMu.RUnlock()
	if onBatch != nil {
		onBatch(batch)
	}
}

// AutoDiscover runs one scan round and returns what it found.
func (m *Manager) AutoDiscover(ctx context.Context) []DiscoveredDevice {
	return m.discovery.Scan(ctx)
}

// InstantiateDiscovered builds and registers a concrete device for a
// previously discovered unique id.
func (m *Manager) InstantiateDiscovered(uniqueID string) (Device, error) {
	var found *DiscoveredDevice
	for _, dev := range m.discovery.Known() {
		if dev.UniqueID == uniqueID {
			d := dev
			found = &d
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("manager: device %s not discovered", uniqueID)
	}

	dev, err := m.instantiate(*found)
	if err != nil {
		return nil, err
	}
	if err := m.Register(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// instantiate maps a discovered type to its constructor. The mapping
// is deliberately the minimum stable subset: unknown types stay
// discoverable but cannot be instantiated.
func (m *Manager) instantiate(dev DiscoveredDevice) (Device, error) {
	switch dev.Type {
	case TypeSynthetic:
		seed, _ := strconv.ParseInt(dev.ConnectionInfo["seed"], 10, 64)
		return NewSyntheticDevice(SyntheticConfig{DeviceID: dev.UniqueID, Seed: seed, Clock: m.clock}), nil
	case TypeWiFi:
		return NewWiFiDevice(dev.UniqueID), nil
	case TypeLSL:
		if m.cfg.LSLBridge == nil {
			return nil, fmt.Errorf("manager: no lsl bridge configured for %s", dev.UniqueID)
		}
		return NewLSLDevice(dev.UniqueID, m.cfg.LSLBridge), nil
	case TypeSerial:
		return NewSerialDevice(SerialConfig{DeviceID: dev.UniqueID, Opener: m.cfg.SerialOpener, Clock: m.clock}), nil
	default:
		return nil, fmt.Errorf("manager: no constructor for device type %q", dev.Type)
	}
}

// ConnectOptionsFor derives connect options from a discovery record.
func ConnectOptionsFor(dev DiscoveredDevice) ConnectOptions {
	opts := ConnectOptions{Params: dev.ConnectionInfo}
	for _, key := range []string{"address", "port", "stream_id"} {
		if v, ok := dev.ConnectionInfo[key]; ok && v != "" {
			opts.Address = v
			break
		}
	}
	return opts
}
