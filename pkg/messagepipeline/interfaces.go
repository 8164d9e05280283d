package messagepipeline

import (
	"context"
)

// MessageConsumer is a message source, such as an MQTT subscription.
type MessageConsumer interface {
	// Messages is read by a single dispatcher. It must be closed once the
	// consumer has stopped, which is how the pipeline learns to drain.
	Messages() <-chan Message
	// Start connects to the source and begins delivering messages.
	Start(ctx context.Context) error
	// Stop ceases consumption and releases the connection.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// MessageTransformer turns a raw Message into a structured payload of type T.
//
// Returning skip=true acknowledges the message without processing it further.
// A non-nil error nacks it.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// StreamProcessor handles one transformed payload. An error nacks the
// original message.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
