package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionState is the observable lifecycle state of the monitored peripheral.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// LinkState is the raw link state reported by a transport.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkConnecting
	LinkUp
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkConnecting:
		return "connecting"
	case LinkUp:
		return "up"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// ConnectionState maps the raw link state onto the observable state.
func (s LinkState) ConnectionState() ConnectionState {
	switch s {
	case LinkUp:
		return Connected
	case LinkConnecting:
		return Connecting
	case LinkDisconnecting:
		return Disconnecting
	default:
		return Disconnected
	}
}

// Device identifies a peripheral. Address is the primary key.
type Device struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// DisplayName prefers the advertised name and falls back to the address.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

func (d Device) IsZero() bool {
	return d.Address == ""
}

// SameAddress compares addresses case-insensitively.
func (d Device) SameAddress(address string) bool {
	return d.Address != "" && strings.EqualFold(d.Address, address)
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Capability is one discovered attribute of a connected peripheral.
type Capability struct {
	ServiceUUID string
	UUID        string
	Notify      bool
}

// Sample is one decoded reading delivered to listeners.
type Sample struct {
	Value int
	RR    []time.Duration
	At    time.Time
}

// Events receives asynchronous transport callbacks for one connection attempt.
type Events interface {
	OnLinkStateChanged(dev Device, state LinkState)
	OnCapabilitiesDiscovered(dev Device, caps []Capability, err error)
	OnAttributeValueChanged(dev Device, attributeID string, data []byte, flags int)
}

// Transport is the radio stack seen by the connection core.
type Transport interface {
	// Initialized reports whether the radio is usable.
	Initialized() bool
	// Remote returns a handle for address without touching the radio.
	Remote(address string) (Peripheral, error)
	// Lookup returns the most authoritative record known for address.
	Lookup(address string) (Device, bool)
}

// Peripheral is a handle to a single remote device.
//
// Connect only initiates the link; completion and failure arrive through events.
// DiscoverCapabilities reports through OnCapabilitiesDiscovered.
type Peripheral interface {
	Device() Device
	Connect(ctx context.Context, events Events) error
	DiscoverCapabilities() error
	Subscribe(attributeID string) error
	Unsubscribe(attributeID string) error
	Close() error
}

// Listener observes the monitored peripheral. Implementations must be comparable.
type Listener interface {
	OnStateChanged(name string, dev Device, state ConnectionState)
	OnCapabilitiesDiscovered(name string, dev Device)
	OnDataAvailable(name string, dev Device, sample Sample)
}

// ConnectionErrorState represents the specific kind of connection failure
type ConnectionErrorState string

const (
	NotConnected     ConnectionErrorState = "not_connected"
	AlreadyConnected ConnectionErrorState = "already_connected"
	NotInitialized   ConnectionErrorState = "not_initialized"
	InvalidAddress   ConnectionErrorState = "invalid_address"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionErrorState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrInvalidAddress   = &ConnectionError{State: InvalidAddress}
)

var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported device")
)

// NormalizeError maps known radio stack error strings to ConnectionError values,
// keeping the original error text.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "not initialized"), containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionErrorState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
