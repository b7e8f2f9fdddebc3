// Package mqtt provides the broker connection of the tuyalocal core.
//
// The broker is the internal bus between the core and the protocol bridge
// daemon that owns device sockets, and the outbound channel for device
// state, events, command acks and health:
//
//	core ↔ broker ↔ tuya protocol bridge
//	core → broker → dashboards, automations
//
// The client adds to paho:
//   - subscription tracking with restore on reconnect
//   - a retained online/offline record on tuyalocal/system/status, with LWT
//   - payload, QoS and topic validation
//   - panic recovery around handlers
//
// Usage:
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetLogger(logger)
//
// Topic builders live in Topics; never hand-format topic strings.
package mqtt
