package device

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/neuroloop/backend/internal/core"
)

// baseDevice carries the state machine, configuration, and callback
// plumbing shared by every concrete device. Concrete types embed it
// and drive transition/fail/emit from their transport loops.
type baseDevice struct {
	id      string
	devType string
	sm      *StateMachine
	caps    Capabilities
	logger  *log.Logger

	mu       sync.RWMutex
	channels []string
	rate     float64
	dataCB   DataCallback
	stateCB  StateCallback
	errorCB  ErrorCallback
}

func newBaseDevice(id, devType string, caps Capabilities, channels []string, rate float64) baseDevice {
	return baseDevice{
		id:       id,
		devType:  devType,
		sm:       NewStateMachine(id),
		caps:     caps,
		channels: append([]string(nil), channels...),
		rate:     rate,
		logger:   log.New(os.Stdout, "[DEVICE] ", log.LstdFlags),
	}
}

func (b *baseDevice) ID() string { return b.id }

func (b *baseDevice) Type() string { return b.devType }

func (b *baseDevice) State() State { return b.sm.Current() }

func (b *baseDevice) Capabilities() Capabilities { return b.caps }

func (b *baseDevice) OnData(cb DataCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataCB = cb
}

func (b *baseDevice) OnState(cb StateCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateCB = cb
}

func (b *baseDevice) OnError(cb ErrorCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCB = cb
}

// ConfigureChannels sets the active channel montage. Rejected while
// streaming.
func (b *baseDevice) ConfigureChannels(channels []string) error {
	if b.sm.Current() == StateStreaming {
		return ErrBusy
	}
	if len(channels) == 0 {
		return fmt.Errorf("device %s: no channels given", b.id)
	}
	if b.caps.MaxChannels > 0 && len(channels) > b.caps.MaxChannels {
		return fmt.Errorf("device %s: %d channels exceeds max %d", b.id, len(channels), b.caps.MaxChannels)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append([]string(nil), channels...)
	return nil
}

// SetSamplingRate sets the acquisition rate. Rejected while streaming
// or when the rate is outside the device capabilities.
func (b *baseDevice) SetSamplingRate(rate float64) error {
	if b.sm.Current() == StateStreaming {
		return ErrBusy
	}
	if !b.caps.SupportsRate(rate) {
		return fmt.Errorf("device %s: unsupported sampling rate %v Hz", b.id, rate)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	return nil
}

func (b *baseDevice) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.channels...)
}

func (b *baseDevice) SamplingRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rate
}

// transition performs a lifecycle edge and notifies the state
// callback once on success.
func (b *baseDevice) transition(from, to State) error {
	if err := b.sm.Transition(from, to); err != nil {
		return err
	}
	b.notifyState(from, to)
	return nil
}

// fail records a fault, notifies the error callback, and emits the
// edge into ERROR when the device was not already there.
func (b *baseDevice) fail(err error) {
	from := b.sm.Fail(err)
	b.logger.Printf("❌ %s: %v", b.id, err)

	b.mu.RLock()
	errorCB := b.errorCB
	b.mu.RUnlock()
	if errorCB != nil {
		errorCB(err)
	}
	if from != StateError {
		b.notifyState(from, StateError)
	}
}

func (b *baseDevice) notifyState(from, to State) {
	b.mu.RLock()
	stateCB := b.stateCB
	b.mu.RUnlock()
	if stateCB != nil {
		stateCB(from, to)
	}
}

// emit hands a packet to the data callback when one is registered.
func (b *baseDevice) emit(packet *core.SamplePacket) {
	b.mu.RLock()
	dataCB := b.dataCB
	b.mu.RUnlock()
	if dataCB != nil {
		dataCB(packet)
	}
}
