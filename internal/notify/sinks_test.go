package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMQTTSink_Status(t *testing.T) {
	pub := newMockPublisher(true)
	sink := NewMQTTSink(pub, 1)

	if err := sink.HandleStatus(context.Background(), StatusUpdate{DeviceID: "plug1", State: device.State{"1": true}, Timestamp: at}); err != nil {
		t.Fatalf("HandleStatus() error = %v", err)
	}
	if err := sink.HandleStatus(context.Background(), StatusUpdate{DeviceID: "plug1", Timestamp: at}); err != nil {
		t.Fatalf("HandleStatus(nil) error = %v", err)
	}

	msgs := pub.messagesOn("tuyalocal/core/device/plug1/state")
	if len(msgs) != 2 {
		t.Fatalf("state messages = %d, want 2", len(msgs))
	}
	if !msgs[0].retained || msgs[0].qos != 1 {
		t.Errorf("state message retained=%v qos=%d, want retained qos 1", msgs[0].retained, msgs[0].qos)
	}
	first := decode[StateMessage](t, msgs[0].payload)
	if !first.Available || first.State["1"] != true || first.DeviceID != "plug1" {
		t.Errorf("first = %+v, want available with 1=true", first)
	}

	second := decode[map[string]any](t, msgs[1].payload)
	if second["available"] != false {
		t.Errorf("available = %v, want false", second["available"])
	}
	if v, ok := second["state"]; !ok || v != nil {
		t.Errorf("state = %v (present %v), want explicit null", v, ok)
	}
}

func TestMQTTSink_Event(t *testing.T) {
	pub := newMockPublisher(true)
	sink := NewMQTTSink(pub, 0)

	e := session.Event{ID: "e1", Type: session.EventDeviceDPTriggered, DeviceID: "plug1", Timestamp: at, Data: map[string]any{"dp": "1", "value": true}}
	if err := sink.HandleEvent(context.Background(), e); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	msgs := pub.messagesOn("tuyalocal/core/event/device_dp_triggered")
	if len(msgs) != 1 {
		t.Fatalf("event messages = %d, want 1", len(msgs))
	}
	if msgs[0].retained {
		t.Error("event published retained, want not retained")
	}
	got := decode[session.Event](t, msgs[0].payload)
	if got.ID != "e1" || got.DeviceID != "plug1" || got.Data["dp"] != "1" {
		t.Errorf("event = %+v, want e1 for plug1 dp 1", got)
	}
}

func TestMQTTSink_Offline(t *testing.T) {
	pub := newMockPublisher(false)
	sink := NewMQTTSink(pub, 1)

	err := sink.HandleStatus(context.Background(), StatusUpdate{DeviceID: "plug1", State: device.State{"1": true}})
	if !errors.Is(err, ErrPublisherOffline) {
		t.Errorf("HandleStatus() error = %v, want ErrPublisherOffline", err)
	}
	if len(pub.GetMessages()) != 0 {
		t.Errorf("published %d messages while offline", len(pub.GetMessages()))
	}
}

type mockNATS struct {
	mu        sync.Mutex
	connected bool
	subjects  []string
}

func (m *mockNATS) Subject(parts ...string) string {
	s := "tuyalocal"
	for _, p := range parts {
		s += "." + p
	}
	return s
}

func (m *mockNATS) PublishJSON(subject string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

func (m *mockNATS) IsConnected() bool { return m.connected }

func TestNATSSink(t *testing.T) {
	m := &mockNATS{connected: true}
	sink := NewNATSSink(m)

	if err := sink.HandleEvent(context.Background(), session.Event{Type: session.EventStatesUpdate, DeviceID: "plug1"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if err := sink.HandleStatus(context.Background(), StatusUpdate{DeviceID: "plug1"}); err != nil {
		t.Fatalf("HandleStatus() error = %v", err)
	}

	if len(m.subjects) != 1 || m.subjects[0] != "tuyalocal.event.states_update.plug1" {
		t.Errorf("subjects = %v, want [tuyalocal.event.states_update.plug1]", m.subjects)
	}

	m.connected = false
	if err := sink.HandleEvent(context.Background(), session.Event{Type: session.EventStatesUpdate}); !errors.Is(err, ErrPublisherOffline) {
		t.Errorf("offline HandleEvent() error = %v, want ErrPublisherOffline", err)
	}
}

type point struct {
	deviceID, dp string
	value        float64
}

type availability struct {
	deviceID  string
	available bool
}

type mockPointWriter struct {
	points       []point
	availability []availability
}

func (m *mockPointWriter) WriteDatapoint(deviceID, dp string, value float64) {
	m.points = append(m.points, point{deviceID, dp, value})
}

func (m *mockPointWriter) WriteAvailability(deviceID string, available bool, _ string) {
	m.availability = append(m.availability, availability{deviceID, available})
}

func TestInfluxSink(t *testing.T) {
	w := &mockPointWriter{}
	sink := NewInfluxSink(w)
	ctx := context.Background()

	updates := []StatusUpdate{
		{DeviceID: "plug1", State: device.State{"1": true, "19": 231.0, "5": "white"}},
		{DeviceID: "plug1", State: device.State{"19": 240.0}},
		{DeviceID: "plug1", State: device.RestoreState()},
		{DeviceID: "plug1"},
	}
	for _, u := range updates {
		if err := sink.HandleStatus(ctx, u); err != nil {
			t.Fatalf("HandleStatus(%+v) error = %v", u, err)
		}
	}

	if len(w.points) != 3 {
		t.Errorf("points = %v, want 3 numeric values", w.points)
	}
	for _, p := range w.points {
		if p.dp == "1" && p.value != 1 {
			t.Errorf("bool point = %v, want 1", p.value)
		}
		if p.dp == "5" {
			t.Errorf("string datapoint recorded: %+v", p)
		}
	}

	want := []availability{{"plug1", true}, {"plug1", false}}
	if len(w.availability) != len(want) {
		t.Fatalf("availability = %v, want %v", w.availability, want)
	}
	for i := range want {
		if w.availability[i] != want[i] {
			t.Errorf("availability[%d] = %v, want %v", i, w.availability[i], want[i])
		}
	}
}

type mockHistory struct {
	records []device.StateHistoryEntry
}

func (m *mockHistory) RecordStateChange(_ context.Context, deviceID string, state device.State, source string) error {
	m.records = append(m.records, device.StateHistoryEntry{DeviceID: deviceID, State: state, Source: source})
	return nil
}

func (m *mockHistory) GetHistory(context.Context, string, int) ([]device.StateHistoryEntry, error) {
	return m.records, nil
}

func (m *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) { return 0, nil }

func TestHistorySink(t *testing.T) {
	repo := &mockHistory{}
	sink := NewHistorySink(repo)
	ctx := context.Background()

	for _, u := range []StatusUpdate{
		{DeviceID: "plug1", State: device.State{"1": true}},
		{DeviceID: "plug1"},
		{DeviceID: "plug1", State: device.RestoreState()},
	} {
		if err := sink.HandleStatus(ctx, u); err != nil {
			t.Fatalf("HandleStatus() error = %v", err)
		}
	}

	if len(repo.records) != 1 {
		t.Fatalf("records = %d, want 1", len(repo.records))
	}
	if repo.records[0].Source != device.HistorySourceDevice {
		t.Errorf("source = %q, want %q", repo.records[0].Source, device.HistorySourceDevice)
	}
}
