package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Publisher is the MQTT publishing surface. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MQTTSink publishes events and retained device status.
type MQTTSink struct {
	pub    Publisher
	qos    byte
	topics mqtt.Topics
}

// NewMQTTSink creates a sink publishing with qos.
func NewMQTTSink(pub Publisher, qos byte) *MQTTSink {
	return &MQTTSink{pub: pub, qos: qos}
}

// Name implements Sink.
func (*MQTTSink) Name() string { return "mqtt" }

// HandleEvent publishes e on tuyalocal/core/event/{type}, not retained.
func (m *MQTTSink) HandleEvent(_ context.Context, e session.Event) error {
	return m.publishJSON(m.topics.CoreEvent(string(e.Type)), e, false)
}

// HandleStatus publishes the retained status of the device. A nil status
// is published as unavailable with a null state.
func (m *MQTTSink) HandleStatus(_ context.Context, u StatusUpdate) error {
	msg := StateMessage{
		DeviceID:  u.DeviceID,
		Available: u.Available(),
		State:     u.State,
		Timestamp: u.Timestamp,
	}
	return m.publishJSON(m.topics.CoreDeviceState(u.DeviceID), msg, true)
}

func (m *MQTTSink) publishJSON(topic string, v any, retained bool) error {
	if !m.pub.IsConnected() {
		return ErrPublisherOffline
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", topic, err)
	}
	return m.pub.Publish(topic, payload, m.qos, retained)
}
