package device

import (
	"context"
	"time"
)

// State history sources.
const (
	HistorySourceDevice  = "device"
	HistorySourceCommand = "command"
	HistorySourceRestore = "restore"
)

// StateHistoryEntry is one recorded status of a device.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and reads status history.
type StateHistoryRepository interface {
	// RecordStateChange appends a status snapshot. An empty source means
	// HistorySourceDevice.
	RecordStateChange(ctx context.Context, deviceID string, state State, source string) error

	// GetHistory returns up to limit entries, newest first. limit is
	// clamped to [1, 200] with 50 used for non-positive values.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and returns the
	// number removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
