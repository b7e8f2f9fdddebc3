package notify

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/session"
)

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		counts     session.Counts
		wantStatus HealthStatus
	}{
		{"mqtt down", false, session.Counts{Total: 1, Connected: 1}, HealthDegraded},
		{"all connected", true, session.Counts{Total: 2, Connected: 2}, HealthHealthy},
		{"some connected", true, session.Counts{Total: 2, Connected: 1, Disconnected: 1}, HealthHealthy},
		{"none connected", true, session.Counts{Total: 2, Disconnected: 2}, HealthDegraded},
		{"no devices", true, session.Counts{}, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthReporter(HealthReporterConfig{
				Publisher: newMockPublisher(tt.connected),
				Counter:   fakeCounter{tt.counts},
			})
			if got, _ := h.determineStatus(); got != tt.wantStatus {
				t.Errorf("determineStatus() = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestHealthReporter_PublishNow(t *testing.T) {
	pub := newMockPublisher(true)
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.0.0",
		Publisher: pub,
		Counter:   fakeCounter{session.Counts{Total: 3, Connected: 2, Connecting: 1}},
		Dropped:   func() uint64 { return 7 },
	})

	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	msgs := pub.messagesOn("tuyalocal/health/core")
	if len(msgs) != 1 {
		t.Fatalf("health messages = %d, want 1", len(msgs))
	}
	if !msgs[0].retained || msgs[0].qos != 1 {
		t.Errorf("retained=%v qos=%d, want retained qos 1", msgs[0].retained, msgs[0].qos)
	}
	got := decode[HealthMessage](t, msgs[0].payload)
	if got.Status != HealthHealthy || got.Version != "1.0.0" || got.Service != "core" {
		t.Errorf("message = %+v, want healthy core 1.0.0", got)
	}
	if got.Devices.Connected != 2 || got.Devices.Connecting != 1 || got.Dropped != 7 {
		t.Errorf("counts = %+v dropped = %d, want 2 connected 1 connecting 7 dropped", got.Devices, got.Dropped)
	}
}

func TestHealthReporter_StartStop(t *testing.T) {
	pub := newMockPublisher(true)
	h := NewHealthReporter(HealthReporterConfig{Publisher: pub, Interval: 10 * time.Millisecond})

	h.Start(context.Background())
	waitFor(t, "periodic health", func() bool { return len(pub.GetMessages()) >= 2 })
	h.Stop()
	h.Stop()

	msgs := pub.GetMessages()
	last := decode[HealthMessage](t, msgs[len(msgs)-1].payload)
	if last.Status != HealthStopping {
		t.Errorf("last status = %s, want %s", last.Status, HealthStopping)
	}
	count := len(msgs)
	time.Sleep(30 * time.Millisecond)
	if len(pub.GetMessages()) != count {
		t.Error("health published after Stop")
	}
}

func TestHealthReporter_NilPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if err := h.PublishStarting(); err != nil {
		t.Errorf("PublishStarting() error = %v, want nil without publisher", err)
	}
	if h.Snapshot().Status != HealthDegraded {
		t.Errorf("Snapshot().Status = %s, want degraded", h.Snapshot().Status)
	}
}
