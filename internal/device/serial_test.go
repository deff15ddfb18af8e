package device

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// duplexPort glues two pipes into the io.ReadWriteCloser a serial
// device expects. Closing it unblocks a pending read, which is how
// Disconnect stops the pump.
type duplexPort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *duplexPort) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPort) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexPort) Close() error {
	d.r.Close()
	return d.w.Close()
}

// fakeBoard answers single-char control commands: 'b' sends the
// configured frames, 's' is acknowledged via gotStop.
type fakeBoard struct {
	cmds    *io.PipeReader
	out     *io.PipeWriter
	frames  [][]byte
	gotStop chan struct{}
	once    sync.Once
}

func (b *fakeBoard) run() {
	buf := make([]byte, 1)
	for {
		if _, err := b.cmds.Read(buf); err != nil {
			return
		}
		switch buf[0] {
		case serialCmdStart:
			for _, frame := range b.frames {
				if _, err := b.out.Write(frame); err != nil {
					return
				}
			}
		case serialCmdStop:
			b.once.Do(func() { close(b.gotStop) })
		}
	}
}

func newLoopback(frames [][]byte) (*duplexPort, *fakeBoard) {
	devRead, boardWrite := io.Pipe()
	boardRead, devWrite := io.Pipe()
	board := &fakeBoard{
		cmds:    boardRead,
		out:     boardWrite,
		frames:  frames,
		gotStop: make(chan struct{}),
	}
	go board.run()
	return &duplexPort{r: devRead, w: devWrite}, board
}

// Values chosen to be exact in float32 so decode equality is exact.
var serialTestData = [][]float64{
	{1.5, -2.25, 3.125, 0},
	{-0.5, 4.75, -1.125, 2},
}

func TestSerialStreamAndDecode(t *testing.T) {
	frame, err := EncodeSerialFrame(serialTestData)
	require.NoError(t, err)

	port, board := newLoopback([][]byte{frame, frame})
	dev := NewSerialDevice(SerialConfig{
		DeviceID: "board-1",
		Channels: []string{"C3", "C4"},
		Opener:   func(string) (io.ReadWriteCloser, error) { return port, nil },
	})

	packets := &packetRecorder{}
	dev.OnData(packets.record)

	require.NoError(t, dev.Connect(context.Background(), ConnectOptions{Address: "/dev/ttyTEST"}))
	require.NoError(t, dev.StartStreaming(context.Background()))

	require.Eventually(t, func() bool { return packets.count() >= 2 }, time.Second, 5*time.Millisecond)

	got := packets.snapshot()[0]
	assert.Equal(t, []string{"C3", "C4"}, got.Channels)
	assert.Equal(t, serialTestData, got.Data)
	assert.Equal(t, TypeSerial, got.Source)

	require.NoError(t, dev.StopStreaming())
	select {
	case <-board.gotStop:
	case <-time.After(time.Second):
		t.Fatal("board never received stop command")
	}

	require.NoError(t, dev.Disconnect())
	assert.Equal(t, StateDisconnected, dev.State())
}

func TestSerialBadChecksumResyncs(t *testing.T) {
	good, err := EncodeSerialFrame(serialTestData)
	require.NoError(t, err)

	corrupt := append([]byte(nil), good...)
	corrupt[8] ^= 0xFF

	port, _ := newLoopback([][]byte{corrupt, good})
	dev := NewSerialDevice(SerialConfig{
		DeviceID: "board-2",
		Channels: []string{"C3", "C4"},
		Opener:   func(string) (io.ReadWriteCloser, error) { return port, nil },
	})

	packets := &packetRecorder{}
	dev.OnData(packets.record)

	require.NoError(t, dev.Connect(context.Background(), ConnectOptions{Address: "/dev/ttyTEST"}))
	require.NoError(t, dev.StartStreaming(context.Background()))

	require.Eventually(t, func() bool { return packets.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, serialTestData, packets.snapshot()[0].Data)
	assert.Equal(t, StateStreaming, dev.State(), "corrupt frame must not fault the device")

	require.NoError(t, dev.Disconnect())
}

func TestSerialFrameRoundTripWithLeadingGarbage(t *testing.T) {
	frame, err := EncodeSerialFrame(serialTestData)
	require.NoError(t, err)

	dev := NewSerialDevice(SerialConfig{DeviceID: "board-3", Channels: []string{"C3", "C4"}})

	stream := append([]byte{0x00, 0xA5, 0x17, 0xFF}, frame...)
	data, err := dev.readFrame(bufio.NewReader(bytes.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, serialTestData, data)
}

func TestSerialChannelCountMismatchDropsFrame(t *testing.T) {
	frame, err := EncodeSerialFrame(serialTestData)
	require.NoError(t, err)

	dev := NewSerialDevice(SerialConfig{DeviceID: "board-4", Channels: []string{"C3", "C4", "Cz"}})
	data, err := dev.readFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestEncodeSerialFrameRejectsRagged(t *testing.T) {
	_, err := EncodeSerialFrame([][]float64{{1, 2}, {3}})
	assert.Error(t, err)

	_, err = EncodeSerialFrame(nil)
	assert.Error(t, err)
}

func TestSerialPortLossFaultsDevice(t *testing.T) {
	port, board := newLoopback(nil)
	dev := NewSerialDevice(SerialConfig{
		DeviceID: "board-5",
		Channels: []string{"C3", "C4"},
		Opener:   func(string) (io.ReadWriteCloser, error) { return port, nil },
	})

	var gotErr error
	var mu sync.Mutex
	dev.OnError(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	require.NoError(t, dev.Connect(context.Background(), ConnectOptions{Address: "/dev/ttyTEST"}))

	// The cable is yanked: the board side closes its writer.
	board.out.Close()

	require.Eventually(t, func() bool { return dev.State() == StateError }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Error(t, gotErr)
	mu.Unlock()

	require.NoError(t, dev.Disconnect())
	assert.Equal(t, StateDisconnected, dev.State())
}

func TestSerialScannerGlobsPorts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB1"), nil, 0o644))

	scanner := &SerialScanner{Patterns: []string{filepath.Join(dir, "ttyUSB*")}}
	found, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, TypeSerial+"_"+filepath.Join(dir, "ttyUSB0"), found[0].UniqueID)
	assert.Equal(t, ProtocolSerial, found[0].Protocol)
}
