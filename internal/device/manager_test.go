package device

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchRecorder collects flushed aggregation windows.
type batchRecorder struct {
	mu      sync.Mutex
	batches []AggregatedBatch
}

func (r *batchRecorder) record(b AggregatedBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *batchRecorder) snapshot() []AggregatedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AggregatedBatch(nil), r.batches...)
}

func TestManagerRegistryLifecycle(t *testing.T) {
	m := NewManager(ManagerConfig{})

	dev := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a"})
	require.NoError(t, m.Register(dev))
	assert.Error(t, m.Register(dev), "duplicate registration is rejected")

	other := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-b"})
	require.NoError(t, m.Register(other))
	assert.Equal(t, []string{"sim-a", "sim-b"}, m.DeviceIDs())

	got, ok := m.Device("sim-a")
	require.True(t, ok)
	assert.Equal(t, dev, got)

	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "sim-a", statuses[0].DeviceID)
	assert.Equal(t, TypeSynthetic, statuses[0].Type)
	assert.Equal(t, "CONNECTED", statuses[0].State)
	assert.Equal(t, defaultMontage, statuses[0].Channels)
	assert.Equal(t, 256.0, statuses[0].SamplingRate)
	assert.False(t, statuses[0].Paired)
	assert.Equal(t, "DISCONNECTED", statuses[1].State)

	// Unregister disconnects a live device on the way out.
	require.NoError(t, m.Unregister("sim-a"))
	assert.Equal(t, StateDisconnected, dev.State())
	assert.Error(t, m.Unregister("sim-a"))

	assert.Error(t, m.Connect(context.Background(), "ghost", ConnectOptions{}))
	assert.Error(t, m.Disconnect("ghost"))
}

func TestManagerDropsPacketsWithoutSession(t *testing.T) {
	m := NewManager(ManagerConfig{})
	packets := &packetRecorder{}
	m.OnPacket(packets.record)

	dev := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a", PacketMs: 5})
	require.NoError(t, m.Register(dev))
	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))
	require.NoError(t, m.StartStreaming(context.Background(), "sim-a"))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, m.StopStreaming("sim-a"))

	assert.Zero(t, packets.count(), "no session means every packet is dropped")
}

func TestManagerStampsSessionOntoPackets(t *testing.T) {
	m := NewManager(ManagerConfig{})
	packets := &packetRecorder{}
	m.OnPacket(packets.record)
	m.SetActiveSession("sess-42")

	dev := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a", PacketMs: 5})
	require.NoError(t, m.Register(dev))
	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))
	require.NoError(t, m.StartStreaming(context.Background(), "sim-a"))

	require.Eventually(t, func() bool { return packets.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.StopStreaming("sim-a"))

	for _, p := range packets.snapshot() {
		assert.Equal(t, "sess-42", p.SessionID)
		assert.Equal(t, "sim-a", p.DeviceID)
	}
	assert.Equal(t, "sess-42", m.ActiveSession())
}

func TestManagerAggregationWindow(t *testing.T) {
	m := NewManager(ManagerConfig{WindowMs: 50})
	packets := &packetRecorder{}
	batches := &batchRecorder{}
	m.OnPacket(packets.record)
	m.OnBatch(batches.record)
	m.SetActiveSession("sess-window")

	dev := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a", PacketMs: 10})
	require.NoError(t, m.Register(dev))
	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))
	require.NoError(t, m.StartStreaming(context.Background()))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, m.StopStreaming())

	require.GreaterOrEqual(t, batches.count(), 2)

	total := 0
	var lastWindow time.Time
	for _, b := range batches.snapshot() {
		assert.Equal(t, "sess-window", b.SessionID)
		assert.Zero(t, b.WindowStart.UnixMilli()%50, "window start is bucket-aligned")
		assert.Equal(t, 50.0, b.WindowMs)
		assert.Equal(t, []string{"sim-a"}, b.DeviceIDs)
		assert.NotEmpty(t, b.Packets)
		assert.False(t, b.WindowStart.Before(lastWindow), "windows flush in order")
		lastWindow = b.WindowStart

		sum := 0
		for _, p := range b.Packets {
			sum += p.SampleCount()
		}
		assert.Equal(t, sum, b.SampleCount)
		total += len(b.Packets)
	}

	// Stop flushes the open window, so every delivered packet is batched.
	assert.Equal(t, packets.count(), total)
}

func TestManagerSessionChangeFlushesWindow(t *testing.T) {
	m := NewManager(ManagerConfig{WindowMs: 60_000})
	batches := &batchRecorder{}
	m.OnBatch(batches.record)
	m.SetActiveSession("sess-1")

	dev := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a", PacketMs: 5})
	require.NoError(t, m.Register(dev))
	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))
	require.NoError(t, m.StartStreaming(context.Background()))

	packets := &packetRecorder{}
	m.OnPacket(packets.record)
	require.Eventually(t, func() bool { return packets.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// A minute-long window would not flush on its own; the session
	// change forces it out under the old identity.
	m.SetActiveSession("sess-2")

	require.Eventually(t, func() bool { return batches.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sess-1", batches.snapshot()[0].SessionID)

	require.NoError(t, m.StopStreaming())
}

func TestManagerStartStopAllEligible(t *testing.T) {
	m := NewManager(ManagerConfig{})
	a := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-a"})
	b := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-b"})
	c := NewSyntheticDevice(SyntheticConfig{DeviceID: "sim-c"})
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))
	require.NoError(t, m.Register(c))

	require.NoError(t, m.Connect(context.Background(), "sim-a", ConnectOptions{}))
	require.NoError(t, m.Connect(context.Background(), "sim-b", ConnectOptions{}))
	// sim-c stays disconnected.

	require.NoError(t, m.StartStreaming(context.Background()))
	assert.Equal(t, StateStreaming, a.State())
	assert.Equal(t, StateStreaming, b.State())
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, m.StopStreaming())
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, StateConnected, b.State())

	empty := NewManager(ManagerConfig{})
	assert.Error(t, empty.StartStreaming(context.Background()), "nothing eligible to start")
}

func TestManagerAutoDiscoverAndInstantiate(t *testing.T) {
	m := NewManager(ManagerConfig{})
	m.Discovery().RegisterScanner(&SyntheticScanner{Count: 1})

	found := m.AutoDiscover(context.Background())
	require.Len(t, found, 1)
	assert.Equal(t, "synthetic_sim-1", found[0].UniqueID)

	dev, err := m.InstantiateDiscovered("synthetic_sim-1")
	require.NoError(t, err)
	assert.Equal(t, "synthetic_sim-1", dev.ID())

	_, ok := m.Device("synthetic_sim-1")
	assert.True(t, ok, "instantiated devices land in the registry")

	_, err = m.InstantiateDiscovered("synthetic_sim-1")
	assert.Error(t, err, "already registered")

	_, err = m.InstantiateDiscovered("never-seen")
	assert.Error(t, err)
}

func TestManagerInstantiateUnsupportedTypes(t *testing.T) {
	m := NewManager(ManagerConfig{})
	m.Discovery().RegisterScanner(&scriptedScanner{
		proto: ProtocolLSL,
		batches: [][]DiscoveredDevice{{
			NewDiscoveredDevice(TypeLSL, "OpenBCI EEG", ProtocolLSL, "openbci-1234", map[string]string{"stream_id": "uid-eeg-1"}),
			NewDiscoveredDevice("quantum", "Mystery", ProtocolUSB, "q-1", nil),
		}},
	})
	m.AutoDiscover(context.Background())

	_, err := m.InstantiateDiscovered(TypeLSL + "_openbci-1234")
	require.Error(t, err, "lsl needs a bridge client")
	assert.Contains(t, err.Error(), "bridge")

	_, err = m.InstantiateDiscovered("quantum_q-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no constructor")
}

func TestManagerStateAndErrorCallbacks(t *testing.T) {
	m := NewManager(ManagerConfig{})

	var mu sync.Mutex
	type edge struct {
		id       string
		from, to State
	}
	var edges []edge
	var faults []string
	m.OnDeviceState(func(id string, from, to State) {
		mu.Lock()
		edges = append(edges, edge{id, from, to})
		mu.Unlock()
	})
	m.OnDeviceError(func(id string, err error) {
		mu.Lock()
		faults = append(faults, id)
		mu.Unlock()
	})

	port, board := newLoopback(nil)
	dev := NewSerialDevice(SerialConfig{
		DeviceID: "board-x",
		Channels: []string{"C3"},
		Opener:   func(string) (io.ReadWriteCloser, error) { return port, nil },
	})
	require.NoError(t, m.Register(dev))
	require.NoError(t, m.Connect(context.Background(), "board-x", ConnectOptions{Address: "/dev/ttyTEST"}))

	board.out.Close()

	require.Eventually(t, func() bool { return dev.State() == StateError }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"board-x"}, faults)
	assert.Contains(t, edges, edge{"board-x", StateDisconnected, StateConnecting})
	assert.Contains(t, edges, edge{"board-x", StateConnecting, StateConnected})
	assert.Contains(t, edges, edge{"board-x", StateConnected, StateError})
	mu.Unlock()

	require.NoError(t, m.Unregister("board-x"))
	assert.Equal(t, StateDisconnected, dev.State())
}

func TestConnectOptionsFor(t *testing.T) {
	wifi := NewDiscoveredDevice(TypeWiFi, "Crown", ProtocolWiFi, "aa:bb", map[string]string{"address": "10.0.0.5:8765"})
	assert.Equal(t, "10.0.0.5:8765", ConnectOptionsFor(wifi).Address)

	serial := NewDiscoveredDevice(TypeSerial, "Cyton", ProtocolSerial, "/dev/ttyUSB0", map[string]string{"port": "/dev/ttyUSB0"})
	assert.Equal(t, "/dev/ttyUSB0", ConnectOptionsFor(serial).Address)

	lsl := NewDiscoveredDevice(TypeLSL, "EEG", ProtocolLSL, "src", map[string]string{"stream_id": "uid-1"})
	opts := ConnectOptionsFor(lsl)
	assert.Equal(t, "uid-1", opts.Address)
	assert.Equal(t, "uid-1", opts.Params["stream_id"])

	bare := NewDiscoveredDevice(TypeSynthetic, "Sim", ProtocolUSB, "sim-1", nil)
	assert.Empty(t, ConnectOptionsFor(bare).Address)
}
