package mqtt

import "fmt"

// Topic roots. Bridge topics are flat: tuyalocal/{category}/{protocol}/{id}.
const (
	TopicPrefix       = "tuyalocal"
	TopicPrefixCore   = TopicPrefix + "/core"
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics builds the tuyalocal topic tree.
//
//	topics := mqtt.Topics{}
//	topics.BridgeRequest("tuya", "7b1c...")  // tuyalocal/request/tuya/7b1c...
//	topics.CoreDeviceState("bf01")           // tuyalocal/core/device/bf01/state
type Topics struct{}

// BridgeRequest is where the core sends a request to the protocol bridge.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, protocol, requestID)
}

// BridgeResponse is where the bridge answers a request.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, protocol, requestID)
}

// AllBridgeResponses matches every response from one bridge.
func (Topics) AllBridgeResponses(protocol string) string {
	return fmt.Sprintf("%s/response/%s/+", TopicPrefix, protocol)
}

// BridgeEvent carries unsolicited events for one open device session.
func (Topics) BridgeEvent(protocol, sessionID string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, protocol, sessionID)
}

// AllBridgeEvents matches every event from one bridge.
func (Topics) AllBridgeEvents(protocol string) string {
	return fmt.Sprintf("%s/event/%s/+", TopicPrefix, protocol)
}

// BridgeHealth is the bridge's own health topic.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// CoreHealth is the core's retained health topic.
func (Topics) CoreHealth() string {
	return TopicPrefix + "/health/core"
}

// Command is the inbound write topic for one device.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// AllCommands matches inbound writes for every device.
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+"
}

// Ack carries the outcome of a command for one device.
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// CoreDeviceState is the retained, authoritative status of one device.
func (Topics) CoreDeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefixCore, deviceID)
}

// AllCoreDeviceStates matches every retained device status.
func (Topics) AllCoreDeviceStates() string {
	return TopicPrefixCore + "/device/+/state"
}

// CoreEvent carries device notifications such as device_triggered.
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// AllCoreEvents matches every core event.
func (Topics) AllCoreEvents() string {
	return TopicPrefixCore + "/event/+"
}

// SystemStatus holds the retained presence record of the core (and its LWT).
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// LastSegment returns the final level of a topic, e.g. the device id of a
// command topic or the request id of a response topic.
func LastSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}
