// Package nats provides the optional NATS connection used to fan device
// notifications out to other services on the host.
//
// Subjects are dot separated under the configured prefix:
//
//	tuyalocal.event.device_triggered.bf01
//
// The connection reconnects forever by default (max_reconnects: -1).
// Connect returns ErrDisabled when nats.enabled is false.
package nats
