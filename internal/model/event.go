// internal/model/event.go
package model

import (
	"time"
)

// EventType represents the type of link event
type EventType string

const (
	EventStateChanged        EventType = "STATE_CHANGED"
	EventPermissionRequested EventType = "PERMISSION_REQUESTED"
	EventPermissionResolved  EventType = "PERMISSION_RESOLVED"
	EventConnected           EventType = "CONNECTED"
	EventDisconnected        EventType = "DISCONNECTED"
	EventAttemptFailed       EventType = "ATTEMPT_FAILED"
	EventWriteFailed         EventType = "WRITE_FAILED"
)

// LinkEvent is published by the supervisor on every observable change
type LinkEvent struct {
	Type      EventType         `json:"type"`
	AttemptID string            `json:"attempt_id,omitempty"`
	State     LinkState         `json:"state"`
	Previous  LinkState         `json:"previous,omitempty"`
	Reason    ErrorReason       `json:"reason,omitempty"`
	Message   string            `json:"message,omitempty"`
	Device    *DeviceDescriptor `json:"device,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
