package notify

import "errors"

var (
	// ErrPublisherOffline is returned by a sink whose broker link is down.
	ErrPublisherOffline = errors.New("notify: publisher offline")

	// ErrInvalidCommand is returned for a command payload that cannot be
	// decoded or carries no datapoints.
	ErrInvalidCommand = errors.New("notify: invalid command")
)
