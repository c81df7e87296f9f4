package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource or a known device is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	IDs      []string // One or more identifiers (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	// For BLE hierarchy: characteristic is in service
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.IDs[len(e.IDs)-1], e.IDs[0])
}

// IsDeviceNotFound reports whether err references an unknown device
func IsDeviceNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Resource == "device"
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
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

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// ErrScanInProgress is returned when a scan window is already open on the radio
var ErrScanInProgress = errors.New("scan already in progress")

// AdapterError wraps a failure reported by the radio stack.
// It is surfaced to the immediate caller and never retried internally.
type AdapterError struct {
	Op      string // "scan", "connect", "discover", "subscribe", "write", "disconnect", "reset"
	Address string
	Err     error
}

func (e *AdapterError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Advertisement is a single discovery event reported by a scan
type Advertisement interface {
	// ID is the platform peripheral identifier (a UUID on macOS, the MAC on Linux).
	ID() string
	// Address is the MAC address when the platform exposes it, "" otherwise.
	Address() string
	LocalName() string
	RSSI() int
	Services() []string
	Connectable() bool
}

// Characteristic is a connected GATT characteristic
type Characteristic interface {
	UUID() string
	// Subscribe registers handler for notifications. The handler is called
	// from the radio stack goroutine; it must not block.
	Subscribe(handler func(data []byte)) error
	Unsubscribe() error
	Write(data []byte, withResponse bool) error
}

// Client is an established link to one peripheral
type Client interface {
	Address() string
	DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error)
	Disconnect() error
	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}
}

// Adapter abstracts the process-wide BLE radio
type Adapter interface {
	// Scan reports advertisements carrying serviceUUID until ctx is done.
	// A deadline or cancellation ends the scan without error.
	Scan(ctx context.Context, serviceUUID string, handler func(Advertisement)) error
	Connect(ctx context.Context, address string) (Client, error)
	// Reset tears the radio down and brings it back up, dropping every link.
	Reset() error
}

// HasService reports whether adv advertises the given service UUID
func HasService(adv Advertisement, serviceUUID string) bool {
	want := NormalizeUUID(serviceUUID)
	for _, s := range adv.Services() {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps known radio stack error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}
