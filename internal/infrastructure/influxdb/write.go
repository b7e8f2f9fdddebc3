package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the core.
const (
	MeasurementDatapoint    = "device_metrics"
	MeasurementAvailability = "device_availability"
)

// WriteDatapoint records one numeric datapoint value of a device.
//
// Example:
//
//	client.WriteDatapoint("bf01", "19", 231.0) // power in deci-watts
func (c *Client) WriteDatapoint(deviceID, dp string, value float64) {
	c.WritePoint(MeasurementDatapoint,
		map[string]string{"device_id": deviceID, "dp": dp},
		map[string]any{"value": value})
}

// WriteAvailability records a connection state change of a device.
// reason may be empty.
func (c *Client) WriteAvailability(deviceID string, available bool, reason string) {
	fields := map[string]any{"available": available}
	if reason != "" {
		fields["reason"] = reason
	}
	c.WritePoint(MeasurementAvailability, map[string]string{"device_id": deviceID}, fields)
}

// WritePoint writes a point stamped with the current time. Tags should be
// low cardinality. Dropped silently when the client is closed.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, c.now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
