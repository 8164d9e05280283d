package types

import (
	"time"
)

// OutboundMessage is the unit held by a topic buffer and handed to the publisher.
// Payload is serialized by the transport, not before.
type OutboundMessage struct {
	ID         string
	DeviceID   string
	Topic      string
	Payload    interface{}
	EnqueuedAt time.Time
}
