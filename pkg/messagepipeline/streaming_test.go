package messagepipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockMessageConsumer is a channel-backed MessageConsumer.
type MockMessageConsumer struct {
	msgChan    chan messagepipeline.Message
	done       chan struct{}
	startCount int
	stopCount  int
	mu         sync.Mutex
	closeOnce  sync.Once
}

func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan: make(chan messagepipeline.Message, bufferSize),
		done:    make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Push(msg messagepipeline.Message) { m.msgChan <- msg }

func (m *MockMessageConsumer) Close() {
	m.closeOnce.Do(func() {
		close(m.msgChan)
		close(m.done)
	})
}

func (m *MockMessageConsumer) Messages() <-chan messagepipeline.Message { return m.msgChan }
func (m *MockMessageConsumer) Done() <-chan struct{}                    { return m.done }

func (m *MockMessageConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return nil
}

func (m *MockMessageConsumer) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopCount++
	m.mu.Unlock()
	m.Close()
	return nil
}

func (m *MockMessageConsumer) Counts() (start, stop int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount, m.stopCount
}

type testPayload struct {
	Data string
}

func newTestStreamingService(t *testing.T, processor messagepipeline.StreamProcessor[testPayload]) (*messagepipeline.StreamingService[testPayload], *MockMessageConsumer) {
	t.Helper()
	consumer := NewMockMessageConsumer(10)
	t.Cleanup(consumer.Close)

	transformer := func(_ context.Context, msg *messagepipeline.Message) (*testPayload, bool, error) {
		switch string(msg.Payload) {
		case "skip":
			return nil, true, nil
		case "transform_error":
			return nil, false, errors.New("transformation failed")
		}
		return &testPayload{Data: string(msg.Payload)}, false, nil
	}

	service, err := messagepipeline.NewStreamingService[testPayload](messagepipeline.StreamingServiceConfig{}, consumer, transformer, processor, zerolog.Nop())
	require.NoError(t, err)
	return service, consumer
}

func newMessage(id, payload string, acked, nacked *atomic.Bool) messagepipeline.Message {
	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: id, Topic: "devices/wq-001/data", Payload: []byte(payload)},
		Ack:         func() { acked.Store(true) },
		Nack:        func() { nacked.Store(true) },
	}
}

func TestStreamingService_Lifecycle(t *testing.T) {
	service, consumer := newTestStreamingService(t, func(context.Context, messagepipeline.Message, *testPayload) error { return nil })

	require.NoError(t, service.Start(context.Background()))
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))

	start, stop := consumer.Counts()
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, stop)
}

func TestStreamingService_PreservesOrderWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var got []string
	service, consumer := newTestStreamingService(t, func(_ context.Context, _ messagepipeline.Message, p *testPayload) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p.Data)
		return nil
	})
	require.NoError(t, service.Start(context.Background()))

	var acked, nacked atomic.Bool
	for _, p := range []string{"a", "b", "c", "d"} {
		consumer.Push(newMessage(p, p, &acked, &nacked))
	}

	// Stop drains whatever the consumer already handed over.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestStreamingService_PartitionedWorkersKeepPerKeyOrder(t *testing.T) {
	consumer := NewMockMessageConsumer(100)
	t.Cleanup(consumer.Close)

	var mu sync.Mutex
	perDevice := map[string][]int{}
	transformer := func(_ context.Context, msg *messagepipeline.Message) (*testPayload, bool, error) {
		return &testPayload{Data: string(msg.Payload)}, false, nil
	}
	processor := func(_ context.Context, original messagepipeline.Message, _ *testPayload) error {
		mu.Lock()
		defer mu.Unlock()
		var seq int
		_, err := fmt.Sscanf(original.ID, "%d", &seq)
		perDevice[original.Attributes["device"]] = append(perDevice[original.Attributes["device"]], seq)
		return err
	}
	byDevice := func(msg *messagepipeline.Message) string { return msg.Attributes["device"] }

	service, err := messagepipeline.NewStreamingService[testPayload](
		messagepipeline.StreamingServiceConfig{NumWorkers: 4, WorkerQueueSize: 2},
		consumer, transformer, processor, zerolog.Nop(),
		messagepipeline.WithPartitionFunc[testPayload](byDevice),
	)
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))

	devices := []string{"wq-001", "wq-002", "wq-003", "wq-004", "wq-005"}
	for i := 0; i < 50; i++ {
		device := devices[i%len(devices)]
		consumer.Push(messagepipeline.Message{
			MessageData: messagepipeline.MessageData{ID: fmt.Sprintf("%d", i), Topic: "devices/" + device + "/data"},
			Attributes:  map[string]string{"device": device},
		})
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, perDevice, len(devices))
	for device, seqs := range perDevice {
		assert.Len(t, seqs, 10, device)
		assert.IsIncreasing(t, seqs, device)
	}
}

func TestStreamingService_Settlement(t *testing.T) {
	testCases := []struct {
		name      string
		payload   string
		procErr   error
		wantAck   bool
		wantNack  bool
		wantCalls int32
	}{
		{name: "success acks", payload: "ok", wantAck: true, wantCalls: 1},
		{name: "skip acks without processing", payload: "skip", wantAck: true},
		{name: "transform error nacks", payload: "transform_error", wantNack: true},
		{name: "processor error nacks", payload: "ok", procErr: errors.New("boom"), wantNack: true, wantCalls: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			service, consumer := newTestStreamingService(t, func(context.Context, messagepipeline.Message, *testPayload) error {
				calls.Add(1)
				return tc.procErr
			})
			require.NoError(t, service.Start(context.Background()))

			var acked, nacked atomic.Bool
			consumer.Push(newMessage("m-1", tc.payload, &acked, &nacked))

			require.Eventually(t, func() bool {
				return acked.Load() || nacked.Load()
			}, time.Second, 10*time.Millisecond)
			assert.Equal(t, tc.wantAck, acked.Load())
			assert.Equal(t, tc.wantNack, nacked.Load())
			assert.Equal(t, tc.wantCalls, calls.Load())
		})
	}
}

func TestStreamingService_NilDependencies(t *testing.T) {
	transformer := func(context.Context, *messagepipeline.Message) (*testPayload, bool, error) { return nil, true, nil }
	processor := func(context.Context, messagepipeline.Message, *testPayload) error { return nil }

	_, err := messagepipeline.NewStreamingService[testPayload](messagepipeline.StreamingServiceConfig{}, nil, transformer, processor, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewStreamingService[testPayload](messagepipeline.StreamingServiceConfig{}, NewMockMessageConsumer(1), nil, processor, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewStreamingService(messagepipeline.StreamingServiceConfig{}, NewMockMessageConsumer(1), transformer, nil, zerolog.Nop())
	assert.Error(t, err)
}
