package device

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/neuroloop/backend/internal/core"
	"github.com/neuroloop/backend/pb"
)

// DialLSLBridge opens a client connection to a Lab Streaming Layer
// bridge sidecar. LSL itself is a native library; the bridge exposes
// its resolver and inlets over gRPC.
func DialLSLBridge(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("lsl bridge %s: %w", addr, err)
	}
	return conn, nil
}

// LSLDevice consumes one LSL stream through a bridge client. Connect
// resolves the stream, StartStreaming opens a server-side sample
// stream and converts chunks into packets.
type LSLDevice struct {
	baseDevice
	clock  core.Clock
	client pb.LSLBridgeClient

	infoMu sync.Mutex
	info   *pb.StreamInfo

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLSLDevice builds a bridge-backed device. The client is shared
// process-wide; tests inject pb.MockLSLBridgeClient.
func NewLSLDevice(deviceID string, client pb.LSLBridgeClient) *LSLDevice {
	if deviceID == "" {
		deviceID = "lsl-" + uuid.NewString()[:8]
	}
	caps := Capabilities{
		MaxChannels: 256,
		SignalTypes: []core.SignalType{core.SignalEEG, core.SignalEMG, core.SignalEOG, core.SignalECG, core.SignalACC, core.SignalOther},
	}
	return &LSLDevice{
		baseDevice: newBaseDevice(deviceID, TypeLSL, caps, nil, 0),
		clock:      core.RealClock{},
		client:     client,
	}
}

// Connect resolves the stream named by opts.Address (stream id or
// name; empty picks the first EEG stream) and adopts its montage.
func (l *LSLDevice) Connect(ctx context.Context, opts ConnectOptions) error {
	if l.client == nil {
		return fmt.Errorf("device %s: no lsl bridge client configured", l.id)
	}
	if err := l.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	resp, err := l.client.ListStreams(ctx, &pb.ListStreamsRequest{WaitMs: 2000})
	if err != nil {
		err = fmt.Errorf("device %s: resolve streams: %w", l.id, err)
		l.fail(err)
		return err
	}

	info := pickStream(resp.Streams, opts.Address)
	if info == nil {
		err = fmt.Errorf("device %s: no lsl stream matching %q", l.id, opts.Address)
		l.fail(err)
		return err
	}

	l.infoMu.Lock()
	l.info = info
	l.infoMu.Unlock()

	channels := info.ChannelLabels
	if len(channels) == 0 {
		channels = make([]string, info.ChannelCount)
		for i := range channels {
			channels[i] = "ch" + strconv.Itoa(i+1)
		}
	}

	l.mu.Lock()
	l.channels = channels
	l.rate = info.NominalSrate
	l.mu.Unlock()

	return l.transition(StateConnecting, StateConnected)
}

// pickStream matches by stream id first, then name; an empty key
// falls back to the first EEG stream, then the first stream at all.
func pickStream(streams []*pb.StreamInfo, key string) *pb.StreamInfo {
	if key != "" {
		for _, s := range streams {
			if s.StreamId == key || s.Name == key {
				return s
			}
		}
		return nil
	}
	for _, s := range streams {
		if s.Type == string(core.SignalEEG) {
			return s
		}
	}
	if len(streams) > 0 {
		return streams[0]
	}
	return nil
}

func (l *LSLDevice) Disconnect() error {
	l.stopLoop()

	cur := l.sm.Current()
	if cur == StateDisconnected {
		return nil
	}
	return l.transition(cur, StateDisconnected)
}

// StartStreaming opens the bridge sample stream. Cancelling ctx stops
// it cleanly back to CONNECTED.
func (l *LSLDevice) StartStreaming(ctx context.Context) error {
	if err := l.transition(StateConnected, StateStreaming); err != nil {
		return err
	}

	l.infoMu.Lock()
	info := l.info
	l.infoMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := l.client.OpenStream(runCtx, &pb.OpenStreamRequest{StreamId: info.StreamId, MaxChunkLen: 256})
	if err != nil {
		cancel()
		err = fmt.Errorf("device %s: open stream: %w", l.id, err)
		l.fail(err)
		return err
	}

	l.runMu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.runMu.Unlock()

	go l.recvLoop(runCtx, stream, done)
	return nil
}

func (l *LSLDevice) StopStreaming() error {
	if l.sm.Current() != StateStreaming {
		return fmt.Errorf("device %s: %w", l.id, ErrNotConnected)
	}
	l.stopLoop()
	return nil
}

func (l *LSLDevice) stopLoop() {
	l.runMu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *LSLDevice) recvLoop(ctx context.Context, stream pb.LSLBridge_OpenStreamClient, done chan struct{}) {
	defer func() {
		if l.sm.Current() == StateStreaming {
			_ = l.transition(StateStreaming, StateConnected)
		}
		close(done)
	}()

	for {
		chunk, err := stream.Recv()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// The source vanished mid-stream. io.EOF included: a bridge
			// ending the stream unasked means the inlet died.
			l.fail(fmt.Errorf("device %s: stream recv: %w", l.id, err))
			return
		}
		if packet := l.chunkPacket(chunk); packet != nil {
			l.emit(packet)
		}
	}
}

// chunkPacket un-flattens a row-major chunk into a channel-major
// sample packet.
func (l *LSLDevice) chunkPacket(chunk *pb.SampleChunk) *core.SamplePacket {
	cc := int(chunk.ChannelCount)
	sc := int(chunk.SampleCount)
	if cc <= 0 || sc <= 0 || len(chunk.Data) < cc*sc {
		l.logger.Printf("⚠️ %s: dropped malformed chunk (%dx%d, %d values)", l.id, cc, sc, len(chunk.Data))
		return nil
	}

	channels := l.Channels()
	if len(channels) != cc {
		channels = make([]string, cc)
		for i := range channels {
			channels[i] = "ch" + strconv.Itoa(i+1)
		}
	}

	data := make([][]float64, cc)
	for c := 0; c < cc; c++ {
		row := make([]float64, sc)
		for s := 0; s < sc; s++ {
			row[s] = chunk.Data[s*cc+c]
		}
		data[c] = row
	}

	ts := l.clock.Now()
	if chunk.CapturedAt != nil {
		ts = chunk.CapturedAt.AsTime()
	}

	l.infoMu.Lock()
	signalType := core.SignalOther
	if l.info != nil && l.info.Type != "" {
		signalType = core.SignalType(l.info.Type)
	}
	l.infoMu.Unlock()

	return &core.SamplePacket{
		Channels:     channels,
		SamplingRate: l.SamplingRate(),
		Data:         data,
		Timestamp:    ts,
		DeviceID:     l.id,
		SignalType:   signalType,
		Source:       TypeLSL,
	}
}

// LSLScanner resolves streams visible to the bridge.
type LSLScanner struct {
	Client     pb.LSLBridgeClient
	TypeFilter string
}

func (l *LSLScanner) Protocol() Protocol { return ProtocolLSL }

func (l *LSLScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	if l.Client == nil {
		return nil, fmt.Errorf("lsl scanner: no bridge client configured")
	}
	resp, err := l.Client.ListStreams(ctx, &pb.ListStreamsRequest{TypeFilter: l.TypeFilter, WaitMs: 1000})
	if err != nil {
		return nil, fmt.Errorf("lsl scanner: %w", err)
	}

	var found []DiscoveredDevice
	for _, s := range resp.Streams {
		stableKey := s.SourceId
		if stableKey == "" {
			stableKey = s.StreamId
		}
		dev := NewDiscoveredDevice(TypeLSL, s.Name, ProtocolLSL, stableKey, map[string]string{"stream_id": s.StreamId})
		dev.Metadata = map[string]interface{}{
			"signal_type":      s.Type,
			"channels":         int(s.ChannelCount),
			"sampling_rate_hz": s.NominalSrate,
			"hostname":         s.Hostname,
		}
		found = append(found, dev)
	}
	return found, nil
}

var (
	_ Device  = (*LSLDevice)(nil)
	_ Scanner = (*LSLScanner)(nil)
)
