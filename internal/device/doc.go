// Package device holds the device model of the tuyalocal core and its
// SQLite persistence.
//
// A Config describes one logical device:
//
//	standalone   Host set, NodeID empty
//	gateway      standalone device that sub-devices name as GatewayID
//	sub-device   NodeID and GatewayID set, reached through the gateway link
//	fake gateway synthesised at setup when a sub-device names a gateway
//	             that is not configured; routes commands only
//
// The YAML device list seeds the devices table once (Seed); afterwards the
// table is authoritative so local keys rotated through the cloud directory
// (UpdateKeys) survive restarts.
//
// State is the datapoint map reported by a device ({"1": true, "2": 10}).
// The state_history table keeps recent snapshots for the API.
//
// CloudDevice mirrors one record of the vendor cloud directory and
// FindGateway resolves a sub-device's gateway from that list.
package device
