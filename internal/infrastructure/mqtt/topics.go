package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic this service uses.
const TopicPrefix = "graylogic/ble"

// Command actions accepted under Topics.Command.
const (
	ActionScan          = "scan"
	ActionConnectAll    = "connect_all"
	ActionDisconnectAll = "disconnect_all"
	ActionToggle        = "toggle"
)

// Topics builds the service's topic names.
//
//	graylogic/ble/status                           retained online/offline, also the LWT
//	graylogic/ble/health                           retained health report
//	graylogic/ble/devices                          retained ordered snapshot
//	graylogic/ble/state/{device_id}                retained per-device state
//	graylogic/ble/command/{action}[/{device_id}]   requests from other services
//	graylogic/ble/result/{action}                  outcome of a command
//	graylogic/ble/gateway/{gw}/request             operations for a remote radio
//	graylogic/ble/gateway/{gw}/response/{req_id}   the radio's replies
//	graylogic/ble/gateway/{gw}/event               the radio's unsolicited events
type Topics struct{}

func (Topics) Status() string  { return TopicPrefix + "/status" }
func (Topics) Health() string  { return TopicPrefix + "/health" }
func (Topics) Devices() string { return TopicPrefix + "/devices" }

// DeviceState returns the retained state topic for one device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// Command returns the topic for action, with an optional device suffix.
func (Topics) Command(action string, deviceID ...string) string {
	t := fmt.Sprintf("%s/command/%s", TopicPrefix, action)
	if len(deviceID) > 0 && deviceID[0] != "" {
		t += "/" + deviceID[0]
	}
	return t
}

// AllCommands matches every command topic.
func (Topics) AllCommands() string { return TopicPrefix + "/command/#" }

// Result returns the topic command outcomes are published on.
func (Topics) Result(action string) string {
	return fmt.Sprintf("%s/result/%s", TopicPrefix, action)
}

// GatewayRequest returns the topic a remote radio listens on.
func (Topics) GatewayRequest(gateway string) string {
	return fmt.Sprintf("%s/gateway/%s/request", TopicPrefix, gateway)
}

// GatewayResponse returns the reply topic for one request.
func (Topics) GatewayResponse(gateway, requestID string) string {
	return fmt.Sprintf("%s/gateway/%s/response/%s", TopicPrefix, gateway, requestID)
}

// GatewayResponses matches every reply from gateway.
func (Topics) GatewayResponses(gateway string) string {
	return fmt.Sprintf("%s/gateway/%s/response/+", TopicPrefix, gateway)
}

// GatewayEvents returns the topic a remote radio publishes link events on.
func (Topics) GatewayEvents(gateway string) string {
	return fmt.Sprintf("%s/gateway/%s/event", TopicPrefix, gateway)
}

// ParseCommand splits a command topic into its action and optional device.
func ParseCommand(topic string) (action, deviceID string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !found || rest == "" {
		return "", "", false
	}
	action, deviceID, _ = strings.Cut(rest, "/")
	return action, deviceID, action != ""
}

// LastSegment returns the part of topic after the final slash.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
