package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/neuroloop/backend/internal/core"
)

// Serial wire format, little-endian:
//
//	0xA5 0x5A | version u8 | channels u8 | samples u16 | payload | checksum u8
//
// payload is channels*samples float32 values, sample-major. checksum
// is the XOR of the header (after sync) and payload bytes. Control is
// single chars: 'b' begins streaming, 's' stops it.
const (
	serialSyncA   = 0xA5
	serialSyncB   = 0x5A
	serialVersion = 1

	serialCmdStart = 'b'
	serialCmdStop  = 's'

	serialMaxChannels = 64
	serialMaxSamples  = 4096
)

// PortOpener opens a serial port path. The default opener treats the
// path as a file; tests substitute an in-memory pipe.
type PortOpener func(path string) (io.ReadWriteCloser, error)

func defaultPortOpener(path string) (io.ReadWriteCloser, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// SerialConfig configures a board on a serial port. Serial frames
// carry no channel labels, so the montage comes from config.
type SerialConfig struct {
	DeviceID     string
	Channels     []string
	SamplingRate float64
	SignalType   core.SignalType
	Opener       PortOpener
	Clock        core.Clock
}

// SerialDevice reads framed packets from a board behind an
// io.ReadWriteCloser. One pump goroutine owns the port reader from
// Connect to Disconnect; packets are only emitted while STREAMING.
type SerialDevice struct {
	baseDevice
	cfg    SerialConfig
	opener PortOpener
	clock  core.Clock

	portMu   sync.Mutex
	port     io.ReadWriteCloser
	closing  bool
	pumpDone chan struct{}

	watchMu   sync.Mutex
	stopWatch chan struct{}
}

func NewSerialDevice(cfg SerialConfig) *SerialDevice {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "serial-" + uuid.NewString()[:8]
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = append([]string(nil), defaultMontage...)
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 250
	}
	if cfg.SignalType == "" {
		cfg.SignalType = core.SignalEEG
	}
	if cfg.Opener == nil {
		cfg.Opener = defaultPortOpener
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}

	caps := Capabilities{
		SupportedRates: []float64{250, 500, 1000},
		MaxChannels:    serialMaxChannels,
		SignalTypes:    []core.SignalType{core.SignalEEG, core.SignalEMG, core.SignalECG},
	}

	return &SerialDevice{
		baseDevice: newBaseDevice(cfg.DeviceID, TypeSerial, caps, cfg.Channels, cfg.SamplingRate),
		cfg:        cfg,
		opener:     cfg.Opener,
		clock:      cfg.Clock,
	}
}

// Connect opens the port named by opts.Address and starts the pump.
func (s *SerialDevice) Connect(ctx context.Context, opts ConnectOptions) error {
	if opts.Address == "" {
		return fmt.Errorf("device %s: serial connect requires a port path", s.id)
	}
	if err := s.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	port, err := s.opener(opts.Address)
	if err != nil {
		err = fmt.Errorf("device %s: open %s: %w", s.id, opts.Address, err)
		s.fail(err)
		return err
	}

	s.portMu.Lock()
	s.port = port
	s.closing = false
	s.pumpDone = make(chan struct{})
	pumpDone := s.pumpDone
	s.portMu.Unlock()

	go s.pumpLoop(port, pumpDone)

	return s.transition(StateConnecting, StateConnected)
}

// Disconnect stops the board, closes the port, and waits for the pump
// to exit. Closing the port is what unblocks a pending read.
func (s *SerialDevice) Disconnect() error {
	s.portMu.Lock()
	port := s.port
	pumpDone := s.pumpDone
	s.closing = true
	s.port = nil
	s.portMu.Unlock()

	if port != nil {
		if s.sm.Current() == StateStreaming {
			port.Write([]byte{serialCmdStop})
		}
		port.Close()
	}
	if pumpDone != nil {
		<-pumpDone
	}
	s.closeWatch()

	cur := s.sm.Current()
	if cur == StateDisconnected {
		return nil
	}
	return s.transition(cur, StateDisconnected)
}

// StartStreaming asks the board to begin sending frames. Cancelling
// ctx behaves exactly like StopStreaming.
func (s *SerialDevice) StartStreaming(ctx context.Context) error {
	if err := s.transition(StateConnected, StateStreaming); err != nil {
		return err
	}
	if err := s.writePort([]byte{serialCmdStart}); err != nil {
		s.fail(fmt.Errorf("device %s: start: %w", s.id, err))
		return err
	}

	watch := make(chan struct{})
	s.watchMu.Lock()
	s.stopWatch = watch
	s.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			if s.sm.Current() == StateStreaming {
				_ = s.StopStreaming()
			}
		case <-watch:
		}
	}()
	return nil
}

// StopStreaming silences the board and returns to CONNECTED. The pump
// keeps running so a later StartStreaming reuses the open port.
func (s *SerialDevice) StopStreaming() error {
	if err := s.transition(StateStreaming, StateConnected); err != nil {
		return err
	}
	s.closeWatch()
	if err := s.writePort([]byte{serialCmdStop}); err != nil {
		s.fail(fmt.Errorf("device %s: stop: %w", s.id, err))
		return err
	}
	return nil
}

func (s *SerialDevice) closeWatch() {
	s.watchMu.Lock()
	if s.stopWatch != nil {
		close(s.stopWatch)
		s.stopWatch = nil
	}
	s.watchMu.Unlock()
}

func (s *SerialDevice) writePort(b []byte) error {
	s.portMu.Lock()
	port := s.port
	s.portMu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	_, err := port.Write(b)
	return err
}

// pumpLoop parses frames off the port until it closes. Frames that
// arrive outside STREAMING (residue after a stop) are discarded.
func (s *SerialDevice) pumpLoop(port io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(port, 64*1024)
	for {
		data, err := s.readFrame(reader)
		if err != nil {
			s.portMu.Lock()
			closing := s.closing
			s.portMu.Unlock()
			if !closing {
				s.fail(fmt.Errorf("device %s: port read: %w", s.id, err))
			}
			return
		}
		if data == nil {
			continue
		}
		if s.sm.Current() != StateStreaming {
			continue
		}

		s.emit(&core.SamplePacket{
			Channels:     s.Channels(),
			SamplingRate: s.SamplingRate(),
			Data:         data,
			Timestamp:    s.clock.Now(),
			DeviceID:     s.id,
			SignalType:   s.cfg.SignalType,
			Source:       TypeSerial,
		})
	}
}

// readFrame scans to the next sync pair, validates the header and
// checksum, and decodes the payload. A corrupt frame returns
// (nil, nil) so the caller resyncs instead of dying.
func (s *SerialDevice) readFrame(reader *bufio.Reader) ([][]float64, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != serialSyncA {
			continue
		}
		b, err = reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == serialSyncB {
			break
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, err
	}
	version := header[0]
	nChan := int(header[1])
	nSamp := int(binary.LittleEndian.Uint16(header[2:]))

	if version != serialVersion || nChan == 0 || nChan > serialMaxChannels || nSamp == 0 || nSamp > serialMaxSamples {
		s.logger.Printf("⚠️ %s: resync after bad header (v=%d ch=%d n=%d)", s.id, version, nChan, nSamp)
		return nil, nil
	}

	payload := make([]byte, nChan*nSamp*4)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	check, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	sum := byte(0)
	for _, b := range header {
		sum ^= b
	}
	for _, b := range payload {
		sum ^= b
	}
	if sum != check {
		s.logger.Printf("⚠️ %s: dropped frame with bad checksum", s.id)
		return nil, nil
	}

	montage := len(s.Channels())
	if nChan != montage {
		s.logger.Printf("⚠️ %s: dropped frame with %d channels, montage has %d", s.id, nChan, montage)
		return nil, nil
	}

	data := make([][]float64, nChan)
	for c := range data {
		data[c] = make([]float64, nSamp)
	}
	for i := 0; i < nSamp; i++ {
		for c := 0; c < nChan; c++ {
			bits := binary.LittleEndian.Uint32(payload[(i*nChan+c)*4:])
			data[c][i] = float64(math.Float32frombits(bits))
		}
	}
	return data, nil
}

// EncodeSerialFrame builds one wire frame from channel-major samples.
// The board-side encoder; also what tests and the device simulator
// feed through a loopback port.
func EncodeSerialFrame(data [][]float64) ([]byte, error) {
	nChan := len(data)
	if nChan == 0 || nChan > serialMaxChannels {
		return nil, fmt.Errorf("serial frame: bad channel count %d", nChan)
	}
	nSamp := len(data[0])
	if nSamp == 0 || nSamp > serialMaxSamples {
		return nil, fmt.Errorf("serial frame: bad sample count %d", nSamp)
	}
	for _, row := range data {
		if len(row) != nSamp {
			return nil, fmt.Errorf("serial frame: ragged channels")
		}
	}

	frame := make([]byte, 0, 6+nChan*nSamp*4+1)
	frame = append(frame, serialSyncA, serialSyncB, serialVersion, byte(nChan))
	frame = binary.LittleEndian.AppendUint16(frame, uint16(nSamp))
	for i := 0; i < nSamp; i++ {
		for c := 0; c < nChan; c++ {
			frame = binary.LittleEndian.AppendUint32(frame, math.Float32bits(float32(data[c][i])))
		}
	}

	sum := byte(0)
	for _, b := range frame[2:] {
		sum ^= b
	}
	return append(frame, sum), nil
}

// SerialScanner globs the filesystem for candidate port paths.
type SerialScanner struct {
	// Patterns defaults to the usual USB-serial device nodes.
	Patterns []string
}

func (s *SerialScanner) Protocol() Protocol { return ProtocolSerial }

func (s *SerialScanner) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	patterns := s.Patterns
	if len(patterns) == 0 {
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}

	var found []DiscoveredDevice
	for _, pattern := range patterns {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return found, fmt.Errorf("serial scanner: bad pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			found = append(found, NewDiscoveredDevice(
				TypeSerial, filepath.Base(path), ProtocolSerial, path,
				map[string]string{"port": path},
			))
		}
	}
	return found, nil
}

var (
	_ Device  = (*SerialDevice)(nil)
	_ Scanner = (*SerialScanner)(nil)
)
