// Package tuya implements the device Transport on top of an external
// protocol bridge daemon reached over MQTT.
//
// The bridge owns the local wire protocol (framing, encryption, heartbeats).
// Core talks to it with three message kinds:
//
//	Core ──request/tuya/{id}──────────► Bridge
//	Core ◄─response/tuya/{id}────────── Bridge
//	Core ◄─event/tuya/{session_id}───── Bridge   (status, disconnected, subdevice)
//
// Client implements session.Dialer: Dial sends an "open" request and, once
// the bridge accepts it, registers a Transport under a fresh session id.
// Events for that id are routed to the session's Listener until the
// Transport is closed.
//
// Bridge error codes are mapped onto the session failure taxonomy so that
// errors.Is(err, session.ErrInvalidKey) and friends work on any returned error.
//
// Example:
//
//	client, err := tuya.NewClient(tuya.Options{MQTT: mqttClient, Logger: log})
//	if err != nil {
//	    return err
//	}
//	if err := client.Start(); err != nil {
//	    return err
//	}
//	registry := session.NewRegistry(session.Deps{Dialer: client, ...})
package tuya
