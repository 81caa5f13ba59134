package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "peripheral", "characteristic"
	UUIDs    []string // characteristic UUIDs or peripheral addresses
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s not found (any of %s)", e.Resource, strings.Join(e.UUIDs, ", "))
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
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
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is Bluetooth turned on"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// EventType marks whether a peripheral appeared or went away
type EventType int

const (
	EventDiscovered EventType = iota
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a lifecycle notification emitted by a Central
type Event struct {
	Type    EventType
	Address string
}

// Central is the scanning side of the wireless capability.
//
// Scan blocks until ctx is done. A Central reports an address as discovered once;
// it is reported again only after a remote-initiated disconnect of that address.
type Central interface {
	Scan(ctx context.Context) error
	Events() <-chan Event
	Peripheral(address string) (Peripheral, bool)
}

// Characteristic identifies a GATT characteristic on a connected peripheral
type Characteristic interface {
	// UUID returns the normalized UUID (lowercase, no dashes, 16-bit short form when possible)
	UUID() string
}

// Notification is a value pushed by a peripheral for a subscribed characteristic
type Notification struct {
	UUID  string
	Value []byte
}

// NotificationHandler receives notifications on the capability's own goroutine.
// Implementations must not block.
type NotificationHandler func(Notification)

// Peripheral is a single discovered device
type Peripheral interface {
	Address() string
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	DiscoverCharacteristics() ([]Characteristic, error)
	Command(char Characteristic, data []byte) error
	Subscribe(char Characteristic, handler NotificationHandler) error
}

// FindCharacteristic returns the first characteristic whose normalized UUID matches uuid
func FindCharacteristic(chars []Characteristic, uuid string) (Characteristic, error) {
	want := NormalizeUUID(uuid)
	for _, c := range chars {
		if c != nil && c.UUID() == want {
			return c, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{want}}
}
