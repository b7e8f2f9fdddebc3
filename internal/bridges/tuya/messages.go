package tuya

import (
	"time"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Action names a bridge request.
type Action string

const (
	ActionOpen      Action = "open"
	ActionClose     Action = "close"
	ActionStatus    Action = "status"
	ActionSetDPs    Action = "set_dps"
	ActionReset     Action = "reset"
	ActionUpdateDPs Action = "update_dps"
	ActionKeepAlive Action = "keep_alive"
	ActionAddDPs    Action = "add_dps"
	ActionDebug     Action = "debug"
)

// RequestMessage is sent from Core to the bridge.
// Topic: tuyalocal/request/tuya/{id}
type RequestMessage struct {
	// ID correlates the response.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// SessionID names the device session the request belongs to. Chosen by
	// Core on open.
	SessionID string `json:"session_id"`

	Action Action `json:"action"`

	DeviceID string `json:"device_id,omitempty"`

	// NodeID addresses a sub-device behind a gateway session.
	NodeID string `json:"node_id,omitempty"`

	// Params holds action-specific values:
	//   open:       host, local_key, protocol_version, debug
	//   set_dps:    dps
	//   reset:      dp_ids
	//   keep_alive: enabled
	//   add_dps:    dps
	//   debug:      enabled, label
	Params map[string]any `json:"params,omitempty"`
}

// ResponseMessage answers one request.
// Topic: tuyalocal/response/tuya/{request_id}
type ResponseMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`

	// Data holds the result. A status reply carries {"dps": {...}}.
	Data map[string]any `json:"data,omitempty"`

	Error *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventType names an unsolicited bridge event.
type EventType string

const (
	// EventStatus carries a datapoint update in DPS.
	EventStatus EventType = "status"

	// EventDisconnected reports that the device link dropped.
	EventDisconnected EventType = "disconnected"

	// EventSubdevice carries a gateway heartbeat presence report in State.
	EventSubdevice EventType = "subdevice"
)

// EventMessage is an unsolicited report for one open session.
// Topic: tuyalocal/event/tuya/{session_id}
type EventMessage struct {
	SessionID string       `json:"session_id"`
	Timestamp time.Time    `json:"timestamp"`
	Type      EventType    `json:"type"`
	NodeID    string       `json:"node_id,omitempty"`
	DPS       device.State `json:"dps,omitempty"`
	Reason    string       `json:"reason,omitempty"`

	// State is one of "online", "offline" or "absent".
	State string `json:"state,omitempty"`
}

// ParsePresence maps an event state onto a presence signal.
func ParsePresence(state string) (session.PresenceSignal, bool) {
	switch state {
	case "online":
		return session.PresenceOnline, true
	case "offline":
		return session.PresenceOffline, true
	case "absent":
		return session.PresenceAbsent, true
	default:
		return 0, false
	}
}

// HealthStatus is the operational status a bridge reports.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is published by the broker as the bridge's last will.
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the bridge's retained health record.
// Topic: tuyalocal/health/tuya
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Sessions is the number of device sessions the bridge holds open.
	Sessions int    `json:"sessions"`
	Reason   string `json:"reason,omitempty"`
}
