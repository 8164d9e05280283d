package validation

import (
	"strings"
)

// MessageKind is the inbound message class derived from the MQTT topic suffix.
type MessageKind string

const (
	MessageData     MessageKind = "data"
	MessageStatus   MessageKind = "status"
	MessageRegister MessageKind = "register"
)

// ParseTopic splits devices/{deviceId}/{kind}. ok is false for any other shape.
func ParseTopic(topic string) (deviceID string, kind MessageKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[1] == "" {
		return "", "", false
	}
	switch k := MessageKind(parts[2]); k {
	case MessageData, MessageStatus, MessageRegister:
		return parts[1], k, true
	}
	return "", "", false
}
