package session

import "errors"

// Session failure taxonomy. None of these cross the session boundary as a
// panic; they are logged, kept as the session's last error, and returned by
// the few operations that report to a caller (SetValues, CheckConnection).
var (
	// ErrConnectFailed covers network and authentication failures.
	ErrConnectFailed = errors.New("session: connect failed")

	// ErrNoGateway means a sub-device's gateway is not registered or no
	// longer shares the sub-device's local key.
	ErrNoGateway = errors.New("session: no gateway")

	// ErrGatewayBusy means the gateway is itself connecting.
	ErrGatewayBusy = errors.New("session: gateway busy")

	// ErrDecodeFailed means a reply could not be decrypted or decoded.
	// It triggers a local key refresh.
	ErrDecodeFailed = errors.New("session: decode failed")

	// ErrHandshakeFailed means the status exchange after connect failed.
	ErrHandshakeFailed = errors.New("session: handshake failed")

	// ErrNotConnected is returned when a write is attempted with no transport.
	// The write is dropped.
	ErrNotConnected = errors.New("session: not connected")

	// ErrCancelled means the operation was abandoned because the session
	// is closing or the device disconnected.
	ErrCancelled = errors.New("session: cancelled")

	// ErrEmptyStatus means the device answered the status request with nothing.
	ErrEmptyStatus = errors.New("session: empty status")

	// ErrSetFailed wraps transport errors from a datapoint write.
	ErrSetFailed = errors.New("session: set values failed")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")

	// ErrUnknownDevice is returned by the registry for unknown device ids.
	ErrUnknownDevice = errors.New("session: unknown device")

	// ErrDuplicateDevice is returned by Setup when a device id repeats.
	ErrDuplicateDevice = errors.New("session: duplicate device")
)

// Transport causes. Transport implementations return (or wrap) these so the
// session can classify a failure.
var (
	// ErrHostUnreachable means the device address cannot be reached.
	ErrHostUnreachable = errors.New("transport: host unreachable")

	// ErrInvalidKey means the device rejected the local key.
	ErrInvalidKey = errors.New("transport: invalid local key")

	// ErrNotFound means the device or node id is unknown to the peer.
	ErrNotFound = errors.New("transport: not found")

	// ErrTimeout means the device did not answer in time.
	ErrTimeout = errors.New("transport: timeout")
)
