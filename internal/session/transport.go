package session

import (
	"context"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// Transport is a live protocol session with one physical device. A gateway's
// transport also carries its sub-devices, addressed by node id; an empty
// node id addresses the physical device itself.
//
// Implementations must not call back into the Listener while holding locks
// that IsConnected needs.
type Transport interface {
	// Status requests the full datapoint status.
	Status(ctx context.Context, nodeID string) (device.State, error)

	// SetDPs writes datapoint values.
	SetDPs(ctx context.Context, dps device.State, nodeID string) error

	// Reset sends a reset request for dpIDs and adds them to the update list.
	Reset(ctx context.Context, dpIDs []int, nodeID string) error

	// UpdateDPs asks the device to push fresh values. Returns ErrTimeout
	// when the device does not answer.
	UpdateDPs(ctx context.Context, nodeID string) error

	// KeepAlive toggles the heartbeat.
	KeepAlive(enabled bool)

	// AddDPsToRequest adds datapoint ids that status requests must name.
	AddDPsToRequest(dps map[string]any)

	// EnableDebug toggles protocol tracing under label.
	EnableDebug(enabled bool, label string)

	IsConnected() bool

	// Close releases the connection. No Listener callbacks follow.
	Close() error
}

// DialParams identify the physical device to open a Transport to.
type DialParams struct {
	Host            string
	DeviceID        string
	LocalKey        string
	ProtocolVersion string
	EnableDebug     bool
}

// Dialer opens authenticated transports.
type Dialer interface {
	Dial(ctx context.Context, params DialParams, listener Listener) (Transport, error)
}

// PresenceSignal is a sub-device presence report from a gateway heartbeat.
type PresenceSignal uint8

const (
	PresenceOnline PresenceSignal = iota
	PresenceOffline
	PresenceAbsent
)

// String returns the signal name.
func (p PresenceSignal) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	case PresenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// Listener receives asynchronous transport callbacks. *Session implements it.
// nodeID names the sub-device a callback belongs to; empty means the
// transport's own device.
type Listener interface {
	StatusUpdated(nodeID string, dps device.State)
	Disconnected(reason string)
	SubdeviceState(nodeID string, state PresenceSignal)
}

// Directory is the cloud device directory used for key rotation.
type Directory interface {
	// Devices returns the cloud device list keyed by device id. force
	// shortens the refresh throttle.
	Devices(ctx context.Context, force bool) (map[string]device.CloudDevice, error)
}

// KeyStore persists rotated keys.
type KeyStore interface {
	UpdateKeys(ctx context.Context, update device.KeyUpdate) error
}

// Entity is a presentation object bound to a device that may need to push
// its last-known values after every successful connect.
type Entity interface {
	RestoreStateWhenConnected(ctx context.Context) error
}

// Logger is the logging surface the session package needs.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
