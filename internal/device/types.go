package device

import (
	"slices"
	"strconv"
	"time"
)

// DefaultProtocolVersion is used when a device does not name one.
const DefaultProtocolVersion = "3.3"

// RestoreDP is the datapoint id of the restore marker. A status of
// {"0": "restore"} asks presentation to restore last-known values.
const (
	RestoreDP    = "0"
	RestoreValue = "restore"
)

// State maps datapoint ids to their values, e.g. {"1": true, "2": 10}.
type State map[string]any

// Clone returns a shallow copy. A nil State clones to nil.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into s and returns s.
func (s State) Merge(other State) State {
	for k, v := range other {
		s[k] = v
	}
	return s
}

// Equal reports whether both states hold the same keys and values.
// Values are compared with ==; slices and maps never compare equal.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || !comparableEqual(v, ov) {
			return false
		}
	}
	return true
}

func comparableEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// RestoreState returns the restore marker status.
func RestoreState() State {
	return State{RestoreDP: RestoreValue}
}

// Config is the configuration of one logical device: a standalone device,
// a gateway, or a sub-device reached through a gateway (NodeID set).
type Config struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Host            string `json:"host"`
	LocalKey        string `json:"local_key"`
	ProtocolVersion string `json:"protocol_version"`

	// NodeID is the sub-device address on its gateway. Non-empty means sub-device.
	NodeID string `json:"node_id,omitempty"`

	// GatewayID names the gateway device of a sub-device.
	GatewayID string `json:"gateway_id,omitempty"`

	// DPs lists extra datapoint ids to request on status.
	DPs []string `json:"dps,omitempty"`

	// ResetDPs lists datapoint ids sent in a reset request before status.
	ResetDPs []int `json:"reset_dps,omitempty"`

	// SleepTime is the sleep window in seconds; zero for always-on devices.
	SleepTime int `json:"sleep_time"`

	// ScanInterval is the periodic refresh interval in seconds; zero disables it.
	ScanInterval int `json:"scan_interval"`

	// ManualDPs lists datapoint ids configured by hand.
	ManualDPs []string `json:"manual_dps,omitempty"`

	EnableDebug bool `json:"enable_debug"`

	// Fake marks a pass-through gateway synthesised for sub-devices whose
	// gateway is not configured. Never persisted.
	Fake bool `json:"fake,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSubDevice reports whether the device is reached through a gateway.
func (c Config) IsSubDevice() bool {
	return c.NodeID != ""
}

// SleepDuration returns SleepTime as a Duration.
func (c Config) SleepDuration() time.Duration {
	return time.Duration(c.SleepTime) * time.Second
}

// ScanDuration returns ScanInterval as a Duration.
func (c Config) ScanDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

// HasManualDP reports whether dp is among the manual datapoints.
func (c Config) HasManualDP(dp string) bool {
	return slices.Contains(c.ManualDPs, dp)
}

// DPsToRequest returns DPs as the request map the transport expects,
// each id mapped to nil. Non-numeric ids are skipped.
func (c Config) DPsToRequest() map[string]any {
	if len(c.DPs) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.DPs))
	for _, dp := range c.DPs {
		if _, err := strconv.Atoi(dp); err != nil {
			continue
		}
		out[dp] = nil
	}
	return out
}

// Label is the name used in logs. Fake gateways carry a "/G" suffix.
func (c Config) Label() string {
	name := c.Name
	if name == "" {
		name = c.ID
	}
	if c.Fake {
		return name + "/G"
	}
	return name
}

// CloudDevice is one device record from the vendor cloud directory.
type CloudDevice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LocalKey  string `json:"local_key"`
	NodeID    string `json:"node_id,omitempty"`
	UID       string `json:"uid,omitempty"`
	IP        string `json:"ip,omitempty"`
	Lat       string `json:"lat,omitempty"`
	Lon       string `json:"lon,omitempty"`
	Category  string `json:"category,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Sub       bool   `json:"sub"`
	Online    bool   `json:"online"`
}

// KeyUpdate carries a rotated local key, and for sub-devices the node id
// and gateway id resolved from the cloud.
type KeyUpdate struct {
	DeviceID  string
	LocalKey  string
	NodeID    string
	GatewayID string
}
