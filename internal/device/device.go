// Package device abstracts signal-acquisition hardware behind a common
// lifecycle interface. Concrete backends (synthetic generator, WiFi
// headsets, LSL bridge, serial boards) all move through the same state
// machine and deliver timestamped sample packets to registered
// callbacks. Discovery scans protocol-specific transports and the
// Manager owns the registry, session identity, and data aggregation.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/neuroloop/backend/internal/core"
)

// State is the lifecycle state of a device connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Device type identifiers. Discovery maps these to constructors.
const (
	TypeSynthetic = "synthetic"
	TypeWiFi      = "wifi"
	TypeLSL       = "lsl"
	TypeSerial    = "serial"
)

// Protocol is a discovery transport.
type Protocol string

const (
	ProtocolSerial    Protocol = "SERIAL"
	ProtocolBluetooth Protocol = "BLUETOOTH"
	ProtocolWiFi      Protocol = "WIFI"
	ProtocolUSB       Protocol = "USB"
	ProtocolLSL       Protocol = "LSL"
)

var (
	ErrNotConnected = errors.New("device: not connected")
	ErrNotSupported = errors.New("device: operation not supported")
	ErrBusy         = errors.New("device: busy streaming")
)

// DataCallback receives sample packets while a device is streaming.
// Packets carry the device timestamp; the manager stamps the session.
type DataCallback func(packet *core.SamplePacket)

// StateCallback observes one lifecycle edge.
type StateCallback func(from, to State)

// ErrorCallback receives device faults. Every fault also transitions
// the device to StateError.
type ErrorCallback func(err error)

// Capabilities enumerates what a device can do. Devices reject
// configuration outside these bounds.
type Capabilities struct {
	SupportedRates    []float64         `json:"supported_rates_hz"`
	MaxChannels       int               `json:"max_channels"`
	SignalTypes       []core.SignalType `json:"signal_types"`
	HasImpedanceCheck bool              `json:"has_impedance_check"`
	HasBattery        bool              `json:"has_battery"`
}

// SupportsRate reports whether rate is one of the supported sampling
// rates. An empty list means any positive rate is accepted.
func (c Capabilities) SupportsRate(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if len(c.SupportedRates) == 0 {
		return true
	}
	for _, r := range c.SupportedRates {
		if r == rate {
			return true
		}
	}
	return false
}

// ConnectOptions carries transport-specific connection parameters.
type ConnectOptions struct {
	// Address is transport specific: host:port for WiFi, a stream id
	// for LSL, a port path for serial. Unused by synthetic devices.
	Address string            `json:"address,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Timeout time.Duration     `json:"-"`
}

// Device is the common acquisition-hardware contract. Implementations
// drive the state machine: Connect moves DISCONNECTED through
// CONNECTING to CONNECTED, StartStreaming moves to STREAMING,
// StopStreaming returns to CONNECTED, and any fault lands in ERROR
// from which only Disconnect recovers.
type Device interface {
	ID() string
	Type() string
	State() State

	Connect(ctx context.Context, opts ConnectOptions) error
	Disconnect() error

	// StartStreaming begins packet delivery. Cancelling ctx stops the
	// stream cleanly, returning the device to CONNECTED.
	StartStreaming(ctx context.Context) error
	StopStreaming() error

	Capabilities() Capabilities
	ConfigureChannels(channels []string) error
	SetSamplingRate(rate float64) error

	OnData(cb DataCallback)
	OnState(cb StateCallback)
	OnError(cb ErrorCallback)
}

// ImpedanceChecker is implemented by devices that can measure
// electrode contact impedance. Only valid while CONNECTED.
type ImpedanceChecker interface {
	CheckImpedance(ctx context.Context) (map[string]core.ImpedanceResult, error)
}

// BatteryReporter is implemented by battery-powered devices. Level is
// in [0,1].
type BatteryReporter interface {
	BatteryLevel() (float64, error)
}

// DiscoveredDevice describes a device found during a scan round.
type DiscoveredDevice struct {
	Type           string                 `json:"type"`
	Name           string                 `json:"name"`
	Protocol       Protocol               `json:"protocol"`
	ConnectionInfo map[string]string      `json:"connection_info"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	UniqueID       string                 `json:"unique_id"`
}

// NewDiscoveredDevice builds a discovery record with the canonical
// unique id: type + "_" + a key stable across scan rounds (serial
// path, MAC, stream source id).
func NewDiscoveredDevice(devType, name string, protocol Protocol, stableKey string, connInfo map[string]string) DiscoveredDevice {
	return DiscoveredDevice{
		Type:           devType,
		Name:           name,
		Protocol:       protocol,
		ConnectionInfo: connInfo,
		UniqueID:       devType + "_" + stableKey,
	}
}
