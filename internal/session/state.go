package session

// State is the connection state of a session.
type State uint8

const (
	// StateDisconnected indicates no transport and no attempt in progress.
	StateDisconnected State = iota

	// StateConnecting indicates a connect attempt is in flight.
	StateConnecting

	// StateConnected indicates a live owned or borrowed transport.
	StateConnected

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
