package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockPublisher implements Subscriber for testing.
type mockPublisher struct {
	mu         sync.Mutex
	connected  bool
	messages   []publishedMessage
	handlers   map[string]mqtt.MessageHandler
	publishErr error
}

func newMockPublisher(connected bool) *mockPublisher {
	return &mockPublisher{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (m *mockPublisher) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockPublisher) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockPublisher) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *mockPublisher) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// SimulateMessage delivers payload to the handler subscribed to pattern.
func (m *mockPublisher) SimulateMessage(pattern, topic string, payload []byte) error {
	m.mu.Lock()
	h, ok := m.handlers[pattern]
	m.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + pattern)
	}
	return h(topic, payload)
}

func (m *mockPublisher) GetMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publishedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *mockPublisher) GetSubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// messagesOn returns the messages published on topic.
func (m *mockPublisher) messagesOn(topic string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range m.GetMessages() {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return v
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingSink records what the dispatcher delivers.
type recordingSink struct {
	mu       sync.Mutex
	events   []session.Event
	statuses []StatusUpdate
	block    chan struct{}
	err      error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) HandleEvent(_ context.Context, e session.Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) HandleStatus(_ context.Context, u StatusUpdate) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, u)
	return r.err
}

func (r *recordingSink) GetStatuses() []StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusUpdate(nil), r.statuses...)
}

func (r *recordingSink) GetEvents() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

type fakeCounter struct{ counts session.Counts }

func (f fakeCounter) Counts() session.Counts { return f.counts }

// fakeWriter records writes and returns err.
type fakeWriter struct {
	mu     sync.Mutex
	writes map[string]device.State
	err    error
}

func (f *fakeWriter) SetValues(_ context.Context, deviceID string, dps device.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = make(map[string]device.State)
	}
	f.writes[deviceID] = dps
	return f.err
}

func (f *fakeWriter) GetWrite(id string) (device.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.writes[id]
	return s, ok
}
