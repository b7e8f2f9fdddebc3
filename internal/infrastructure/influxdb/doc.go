// Package influxdb writes device telemetry to InfluxDB v2.
//
// Two measurements are produced:
//   - device_metrics: numeric datapoint values, tagged device_id and dp
//   - device_availability: connect/disconnect transitions with a reason
//
// Writes are batched and non-blocking; failures surface through
// SetOnError. The integration is optional: Connect returns ErrDisabled when
// influxdb.enabled is false and callers carry on without telemetry.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
package influxdb
