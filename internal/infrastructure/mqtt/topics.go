package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the NBE bridge topic tree.
//
// Device topics use the scheme: nbe/{serial}/{category}[/{register_path}]
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "nbe"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "nbe/system"
)

// Topics provides builders for NBE bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("123456", "operating_data/boiler_temp")
//	// Returns: "nbe/123456/state/operating_data/boiler_temp"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceState returns the topic carrying the raw value of one register.
//
// Example: nbe/123456/state/operating_data/boiler_temp
func (Topics) DeviceState(serial, path string) string {
	return fmt.Sprintf("%s/%s/state/%s", TopicPrefix, serial, strings.TrimPrefix(path, "/"))
}

// DeviceSnapshot returns the topic carrying the full register snapshot.
//
// Example: nbe/123456/snapshot
func (Topics) DeviceSnapshot(serial string) string {
	return fmt.Sprintf("%s/%s/snapshot", TopicPrefix, serial)
}

// DeviceCommand returns the topic on which write commands are accepted.
//
// Example: nbe/123456/command
func (Topics) DeviceCommand(serial string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, serial)
}

// DeviceAck returns the topic for command acknowledgements.
//
// Example: nbe/123456/ack
func (Topics) DeviceAck(serial string) string {
	return fmt.Sprintf("%s/%s/ack", TopicPrefix, serial)
}

// DeviceHealth returns the topic for controller and bridge health.
//
// Example: nbe/123456/health
func (Topics) DeviceHealth(serial string) string {
	return fmt.Sprintf("%s/%s/health", TopicPrefix, serial)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the bridge process status topic (also the LWT topic).
//
// Example: nbe/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceStates returns a pattern matching every register of one controller.
//
// Pattern: nbe/123456/state/#
func (Topics) AllDeviceStates(serial string) string {
	return fmt.Sprintf("%s/%s/state/#", TopicPrefix, serial)
}

// AllDeviceCommands returns a pattern matching commands for any controller.
//
// Pattern: nbe/+/command
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/command", TopicPrefix)
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: nbe/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// RegisterPath extracts the register path from a device state topic.
// It returns false if the topic is not a state topic.
func (Topics) RegisterPath(topic string) (serial, path string, ok bool) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] != "state" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
