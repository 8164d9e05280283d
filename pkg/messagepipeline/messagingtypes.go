package messagepipeline

import (
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
)

// Message is an inbound broker message on its way through the pipeline,
// together with the handles used to settle it at the source.
type Message struct {
	MessageData

	// Attributes holds broker metadata such as the MQTT QoS or retained flag.
	Attributes map[string]string

	// Ack settles the message as handled.
	Ack func()

	// Nack reports that handling failed. Sources that cannot redeliver treat
	// it as a no-op.
	Nack func()
}

// MessageData is the content of an inbound message.
type MessageData struct {
	// ID is a bridge-local identifier, unique per received message.
	ID string `json:"id"`

	// Topic is the source topic, e.g. devices/wq-001/data.
	Topic string `json:"topic"`

	// Payload is the raw message body.
	Payload []byte `json:"payload"`

	// ReceiveTime is when the bridge received the message.
	ReceiveTime time.Time `json:"receiveTime"`
}

// Raw returns the message in the form the validator consumes.
func (m *Message) Raw() types.RawMessage {
	return types.RawMessage{
		Topic:       m.Topic,
		Payload:     m.Payload,
		ReceiveTime: m.ReceiveTime,
	}
}

func (m *Message) ack() {
	if m.Ack != nil {
		m.Ack()
	}
}

func (m *Message) nack() {
	if m.Nack != nil {
		m.Nack()
	}
}
