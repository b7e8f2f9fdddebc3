package notify

import (
	"context"

	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// SubjectPublisher is the NATS publishing surface. *nats.Client satisfies it.
type SubjectPublisher interface {
	Subject(parts ...string) string
	PublishJSON(subject string, v any) error
	IsConnected() bool
}

// NATSSink forwards events as {prefix}.event.{type}.{device_id}. Status
// broadcasts stay on MQTT.
type NATSSink struct {
	pub SubjectPublisher
}

// NewNATSSink creates a NATS event sink.
func NewNATSSink(pub SubjectPublisher) *NATSSink {
	return &NATSSink{pub: pub}
}

// Name implements Sink.
func (*NATSSink) Name() string { return "nats" }

// HandleEvent implements Sink.
func (n *NATSSink) HandleEvent(_ context.Context, e session.Event) error {
	if !n.pub.IsConnected() {
		return ErrPublisherOffline
	}
	return n.pub.PublishJSON(n.pub.Subject("event", string(e.Type), e.DeviceID), e)
}

// HandleStatus implements Sink.
func (*NATSSink) HandleStatus(context.Context, StatusUpdate) error { return nil }
