package notify

import (
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// StateMessage is the retained status record of one device.
// Topic: tuyalocal/core/device/{id}/state
type StateMessage struct {
	DeviceID  string       `json:"device_id"`
	Available bool         `json:"available"`
	State     device.State `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

// StatusUpdate is a queued status broadcast. State is nil when the
// device's entities were shut down.
type StatusUpdate struct {
	DeviceID  string
	State     device.State
	Timestamp time.Time
}

// Available reports whether the update carries a live status.
func (u StatusUpdate) Available() bool {
	return u.State != nil
}

// IsRestoreMarker reports whether the update is the synthetic restore
// status rather than a device report.
func (u StatusUpdate) IsRestoreMarker() bool {
	return len(u.State) == 1 && u.State[device.RestoreDP] == device.RestoreValue
}

// CommandMessage is an inbound write.
// Topic: tuyalocal/command/{device_id}
type CommandMessage struct {
	// ID correlates the acknowledgment; optional.
	ID  string       `json:"id,omitempty"`
	DPS device.State `json:"dps"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// Ack error codes.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeUnknownDevice  = "UNKNOWN_DEVICE"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeSetFailed      = "SET_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
)

// AckMessage reports the outcome of a command.
// Topic: tuyalocal/ack/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError carries the failure of a command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthStatus is the coarse state in a health record.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained core health record.
// Topic: tuyalocal/health/core
type HealthMessage struct {
	Service       string         `json:"service"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        HealthStatus   `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Devices       session.Counts `json:"devices"`
	Dropped       uint64         `json:"dropped_notifications"`
	Reason        string         `json:"reason,omitempty"`
}
