package tuya

import (
	"errors"
	"fmt"

	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Domain errors for the bridge client.
var (
	// ErrNotStarted is returned by Dial before Start subscribed the
	// response and event topics.
	ErrNotStarted = errors.New("tuya: client not started")

	// ErrStopped is returned for requests still waiting when Stop runs.
	ErrStopped = errors.New("tuya: client stopped")

	// ErrBridgeError is an unclassified failure reported by the bridge.
	ErrBridgeError = errors.New("tuya: bridge error")

	// ErrInvalidMessage is returned when a bridge message cannot be parsed.
	ErrInvalidMessage = errors.New("tuya: invalid message")

	// ErrTransportClosed is returned by requests on a closed transport.
	ErrTransportClosed = errors.New("tuya: transport closed")
)

// Error codes carried in ResponseMessage.Error.Code.
const (
	ErrCodeHostUnreachable = "HOST_UNREACHABLE"
	ErrCodeKeyInvalid      = "KEY_INVALID"
	ErrCodeDecodeError     = "DECODE_ERROR"
	ErrCodeHandshakeFailed = "HANDSHAKE_FAILED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeBridgeError     = "BRIDGE_ERROR"
)

// codeErrors maps bridge error codes onto the session failure taxonomy.
var codeErrors = map[string]error{
	ErrCodeHostUnreachable: session.ErrHostUnreachable,
	ErrCodeKeyInvalid:      session.ErrInvalidKey,
	ErrCodeDecodeError:     session.ErrDecodeFailed,
	ErrCodeHandshakeFailed: session.ErrHandshakeFailed,
	ErrCodeNotFound:        session.ErrNotFound,
	ErrCodeTimeout:         session.ErrTimeout,
	ErrCodeBridgeError:     ErrBridgeError,
}

// responseError converts a failed response into an error matching the
// session sentinels with errors.Is.
func responseError(e *ResponseError) error {
	if e == nil {
		return fmt.Errorf("%w: request failed without details", ErrBridgeError)
	}
	sentinel, ok := codeErrors[e.Code]
	if !ok {
		sentinel = ErrBridgeError
	}
	if e.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, e.Message)
}
