package notify

import (
	"context"
	"sync"

	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// PointWriter is the time-series surface. *influxdb.Client satisfies it.
type PointWriter interface {
	WriteDatapoint(deviceID, dp string, value float64)
	WriteAvailability(deviceID string, available bool, reason string)
}

// InfluxSink records numeric and boolean datapoints and availability
// changes. String and structured values are not recorded.
type InfluxSink struct {
	w PointWriter

	mu        sync.Mutex
	available map[string]bool
}

// NewInfluxSink creates a telemetry sink.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w, available: make(map[string]bool)}
}

// Name implements Sink.
func (*InfluxSink) Name() string { return "influxdb" }

// HandleEvent implements Sink.
func (*InfluxSink) HandleEvent(context.Context, session.Event) error { return nil }

// HandleStatus implements Sink. The restore marker is ignored.
func (s *InfluxSink) HandleStatus(_ context.Context, u StatusUpdate) error {
	if u.IsRestoreMarker() {
		return nil
	}

	s.mu.Lock()
	prev, seen := s.available[u.DeviceID]
	s.available[u.DeviceID] = u.Available()
	s.mu.Unlock()

	if !seen || prev != u.Available() {
		reason := ""
		if !u.Available() {
			reason = "entities shut down"
		}
		s.w.WriteAvailability(u.DeviceID, u.Available(), reason)
	}

	for dp, v := range u.State {
		if f, ok := numeric(v); ok {
			s.w.WriteDatapoint(u.DeviceID, dp, f)
		}
	}
	return nil
}

// numeric converts JSON-decoded datapoint values into a float.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
