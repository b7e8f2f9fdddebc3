package notify

import (
	"context"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// HistorySink records every device status in the state history.
type HistorySink struct {
	repo device.StateHistoryRepository
}

// NewHistorySink creates a state history sink.
func NewHistorySink(repo device.StateHistoryRepository) *HistorySink {
	return &HistorySink{repo: repo}
}

// Name implements Sink.
func (*HistorySink) Name() string { return "history" }

// HandleEvent implements Sink.
func (*HistorySink) HandleEvent(context.Context, session.Event) error { return nil }

// HandleStatus implements Sink. Shutdown broadcasts and the restore marker
// are not device reports and are skipped.
func (h *HistorySink) HandleStatus(ctx context.Context, u StatusUpdate) error {
	if !u.Available() || u.IsRestoreMarker() {
		return nil
	}
	return h.repo.RecordStateChange(ctx, u.DeviceID, u.State, device.HistorySourceDevice)
}
