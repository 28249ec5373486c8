package websocket

import (
	"encoding/json"
	"time"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

// Event topics clients can subscribe to. A client with no subscriptions
// receives every topic.
const (
	TopicDevices    = "devices"
	TopicDiscovery  = "discovery"
	TopicOperations = "operations"
	TopicGroups     = "groups"
)

// Message types pushed to event stream clients
const (
	MessageTypeDeviceDiscovered   = "device_discovered"
	MessageTypeDeviceUpdated      = "device_updated"
	MessageTypeDeviceRemoved      = "device_removed"
	MessageTypeDiscoveryStarted   = "discovery_started"
	MessageTypeDiscoveryCompleted = "discovery_completed"
	MessageTypeOperationCompleted = "operation_completed"
	MessageTypeGroupRunCompleted  = "group_run_completed"

	// Client subscription management
	MessageTypeSubscriptionUpdate = "subscription_update"
	MessageTypeConnection         = "connection"
	MessageTypeHeartbeat          = "heartbeat"
)

// Message represents a WebSocket message. Topic routes it to subscribed
// clients; an empty topic reaches everyone.
type Message struct {
	Type      string                 `json:"type"`
	Topic     string                 `json:"topic,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m Message) ToJSON() []byte {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, _ := json.Marshal(m)
	return data
}

// DeviceDiscoveredMessage announces a device new to the registry.
func DeviceDiscoveredMessage(device *model.Device) Message {
	return Message{
		Type:  MessageTypeDeviceDiscovered,
		Topic: TopicDevices,
		Data: map[string]interface{}{
			"device_id":   device.ID,
			"name":        device.Name,
			"device_type": device.DeviceType,
			"generation":  device.Generation,
			"ip":          device.IPAddress,
			"method":      device.DiscoveryMethod,
		},
	}
}

// DeviceUpdatedMessage announces a change to a registered device.
func DeviceUpdatedMessage(device *model.Device) Message {
	return Message{
		Type:  MessageTypeDeviceUpdated,
		Topic: TopicDevices,
		Data: map[string]interface{}{
			"device_id":   device.ID,
			"name":        device.Name,
			"device_type": device.DeviceType,
			"ip":          device.IPAddress,
		},
	}
}

// DeviceRemovedMessage announces a device leaving the registry.
func DeviceRemovedMessage(deviceID string) Message {
	return Message{
		Type:  MessageTypeDeviceRemoved,
		Topic: TopicDevices,
		Data: map[string]interface{}{
			"device_id": deviceID,
		},
	}
}

// DiscoveryStartedMessage announces the beginning of a discovery run.
func DiscoveryStartedMessage(targets int) Message {
	return Message{
		Type:  MessageTypeDiscoveryStarted,
		Topic: TopicDiscovery,
		Data: map[string]interface{}{
			"targets": targets,
		},
	}
}

// DiscoveryCompletedMessage reports the outcome of a discovery run.
func DiscoveryCompletedMessage(found, newDevices, updated int, duration time.Duration) Message {
	return Message{
		Type:  MessageTypeDiscoveryCompleted,
		Topic: TopicDiscovery,
		Data: map[string]interface{}{
			"found":       found,
			"new":         newDevices,
			"updated":     updated,
			"duration_ms": duration.Milliseconds(),
		},
	}
}

// OperationCompletedMessage reports one finished device operation.
func OperationCompletedMessage(action string, result *model.OperationResult) Message {
	data := map[string]interface{}{
		"action":      action,
		"device_id":   result.DeviceID,
		"success":     result.Success,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.ErrorMessage != "" {
		data["error"] = result.ErrorMessage
		data["error_kind"] = result.ErrorKind
	}
	if result.Rebooted {
		data["rebooted"] = true
	}
	return Message{
		Type:  MessageTypeOperationCompleted,
		Topic: TopicOperations,
		Data:  data,
	}
}

// GroupRunCompletedMessage summarizes one finished group fan-out. Per-device
// results stay out of the frame; subscribers fetch them from the history API
// by run id.
func GroupRunCompletedMessage(result *model.GroupResult) Message {
	return Message{
		Type:  MessageTypeGroupRunCompleted,
		Topic: TopicGroups,
		Data: map[string]interface{}{
			"run_id":      result.RunID,
			"group":       result.GroupName,
			"action":      result.Action,
			"success":     result.SuccessCount,
			"failed":      result.FailureCount,
			"skipped":     result.SkippedCount,
			"duration_ms": result.Duration.Milliseconds(),
		},
	}
}
