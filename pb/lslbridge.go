package pb

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// LSL Bridge Types

type StreamInfo struct {
	StreamId      string
	Name          string
	Type          string
	ChannelCount  int32
	NominalSrate  float64
	ChannelLabels []string
	SourceId      string
	Hostname      string
}

type ListStreamsRequest struct {
	TypeFilter string
	WaitMs     int32
}

type ListStreamsResponse struct {
	Streams []*StreamInfo
}

type OpenStreamRequest struct {
	StreamId    string
	MaxChunkLen int32
}

// SampleChunk carries channel-major samples flattened row-major:
// Data[s*ChannelCount+c] is channel c of sample s.
type SampleChunk struct {
	StreamId     string
	ChannelCount int32
	SampleCount  int32
	Data         []float64
	Timestamps   []float64
	CapturedAt   *timestamppb.Timestamp
}

type LSLBridgeClient interface {
	ListStreams(ctx context.Context, in *ListStreamsRequest, opts ...grpc.CallOption) (*ListStreamsResponse, error)
	OpenStream(ctx context.Context, in *OpenStreamRequest, opts ...grpc.CallOption) (LSLBridge_OpenStreamClient, error)
}

type LSLBridge_OpenStreamClient interface {
	Recv() (*SampleChunk, error)
	grpc.ClientStream
}

// NewLSLBridgeClient returns the gRPC implementation of the bridge
// client over an established connection.
func NewLSLBridgeClient(cc grpc.ClientConnInterface) LSLBridgeClient {
	return &lslBridgeClient{cc: cc}
}

type lslBridgeClient struct {
	cc grpc.ClientConnInterface
}

func (c *lslBridgeClient) ListStreams(ctx context.Context, in *ListStreamsRequest, opts ...grpc.CallOption) (*ListStreamsResponse, error) {
	out := new(ListStreamsResponse)
	err := c.cc.Invoke(ctx, "/neuroloop.lslbridge.v1.LSLBridge/ListStreams", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var openStreamDesc = &grpc.StreamDesc{
	StreamName:    "OpenStream",
	ServerStreams: true,
}

func (c *lslBridgeClient) OpenStream(ctx context.Context, in *OpenStreamRequest, opts ...grpc.CallOption) (LSLBridge_OpenStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, openStreamDesc, "/neuroloop.lslbridge.v1.LSLBridge/OpenStream", opts...)
	if err != nil {
		return nil, err
	}
	x := &openStreamClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type openStreamClient struct {
	grpc.ClientStream
}

func (x *openStreamClient) Recv() (*SampleChunk, error) {
	chunk := new(SampleChunk)
	if err := x.ClientStream.RecvMsg(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// MockLSLBridgeClient serves configured streams from memory, feeding
// OpenStream from a per-call chunk channel. Tests close the channel to
// end the stream.
type MockLSLBridgeClient struct {
	StreamList []*StreamInfo
	Chunks     func(streamID string) <-chan *SampleChunk
}

func (m *MockLSLBridgeClient) ListStreams(ctx context.Context, in *ListStreamsRequest, opts ...grpc.CallOption) (*ListStreamsResponse, error) {
	if in.TypeFilter == "" {
		return &ListStreamsResponse{Streams: m.StreamList}, nil
	}
	var matched []*StreamInfo
	for _, s := range m.StreamList {
		if s.Type == in.TypeFilter {
			matched = append(matched, s)
		}
	}
	return &ListStreamsResponse{Streams: matched}, nil
}

func (m *MockLSLBridgeClient) OpenStream(ctx context.Context, in *OpenStreamRequest, opts ...grpc.CallOption) (LSLBridge_OpenStreamClient, error) {
	var ch <-chan *SampleChunk
	if m.Chunks != nil {
		ch = m.Chunks(in.StreamId)
	}
	return &mockOpenStreamClient{ctx: ctx, ch: ch}, nil
}

type mockOpenStreamClient struct {
	grpc.ClientStream
	ctx context.Context
	ch  <-chan *SampleChunk
}

func (m *mockOpenStreamClient) Recv() (*SampleChunk, error) {
	if m.ch == nil {
		return nil, io.EOF
	}
	select {
	case chunk, ok := <-m.ch:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

func (m *mockOpenStreamClient) Context() context.Context {
	return m.ctx
}
