package types

import (
	"time"
)

// LivenessState is the online/offline state of a device.
type LivenessState string

const (
	StateOnline  LivenessState = "ONLINE"
	StateOffline LivenessState = "OFFLINE"
)

// LivenessSource identifies what kind of event last updated a liveness record.
type LivenessSource string

const (
	SourceLWT       LivenessSource = "LWT"
	SourceHeartbeat LivenessSource = "HEARTBEAT"
	SourceExplicit  LivenessSource = "EXPLICIT"
)

// StatusEvent is a validated devices/{id}/status message.
type StatusEvent struct {
	DeviceID string
	State    LivenessState
	LWT      bool
	// Timestamp is when the bridge received the event and orders liveness.
	Timestamp time.Time
	// ReportedAt is the device's own clock, zero when the payload had none.
	ReportedAt time.Time
}

// DeviceStatus is the outbound status event published on every liveness transition.
type DeviceStatus struct {
	DeviceID string         `json:"deviceId"`
	State    LivenessState  `json:"state"`
	LastSeen time.Time      `json:"lastSeen"`
	Source   LivenessSource `json:"source"`
}

// Registration is a validated devices/{id}/register message. Attributes are
// passed through untouched.
type Registration struct {
	DeviceID   string                 `json:"deviceId"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}
