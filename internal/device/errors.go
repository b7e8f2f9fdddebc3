package device

import "errors"

// Sentinel errors for the device package. Check with errors.Is.
var (
	ErrDeviceNotFound = errors.New("device: not found")
	ErrDeviceExists   = errors.New("device: already exists")

	// ErrInvalidDevice wraps every validation failure.
	ErrInvalidDevice = errors.New("device: invalid")

	ErrInvalidDPList = errors.New("device: invalid datapoint list")
)
