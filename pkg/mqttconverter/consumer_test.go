package mqttconverter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-waterbridge/pkg/metrics"
	"github.com/illmade-knight/go-waterbridge/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks for Paho MQTT Client ---

type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic     string
	payload   []byte
	messageID uint16
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return m.messageID }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

// mockMqttClient fails the first failConnects connection attempts and
// invokes the OnConnect handler on success, as paho does.
type mockMqttClient struct {
	opts *mqtt.ClientOptions

	mu               sync.Mutex
	connected        bool
	connectCalls     int
	failConnects     int
	disconnectCalled bool
	subscribed       map[string]byte
	handler          mqtt.MessageHandler
	published        []published
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	m.connectCalls++
	if m.connectCalls <= m.failConnects {
		m.mu.Unlock()
		return &mockToken{err: errors.New("connection refused")}
	}
	m.connected = true
	m.mu.Unlock()
	if m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return &mockToken{}
}

func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnectCalled = true
}

func (m *mockMqttClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, published{topic: topic, retained: retained, payload: payload.(string)})
	return &mockToken{}
}

func (m *mockMqttClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}

func (m *mockMqttClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = filters
	m.handler = callback
	return &mockToken{}
}

func (m *mockMqttClient) Unsubscribe(_ ...string) mqtt.Token       { return &mockToken{} }
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

func (m *mockMqttClient) deliver(topic, payload string) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(m, &mockMqttMessage{topic: topic, payload: []byte(payload), messageID: 7})
}

// --- Helpers ---

func testConfig() *mqttconverter.MQTTClientConfig {
	cfg := mqttconverter.DefaultMQTTClientConfig()
	cfg.BrokerURL = "tcp://localhost:1883"
	cfg.AllowPublicBroker = true
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectWaitMin = time.Millisecond
	cfg.ReconnectWaitMax = 5 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	cfg.MessageBufferSize = 2
	return &cfg
}

func newTestConsumer(t *testing.T, cfg *mqttconverter.MQTTClientConfig, client *mockMqttClient, registry *metrics.Registry) *mqttconverter.MqttConsumer {
	t.Helper()
	factory := func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}
	consumer, err := mqttconverter.NewMqttConsumer(cfg, zerolog.Nop(),
		mqttconverter.WithClientFactory(factory),
		mqttconverter.WithRecorder(registry),
		mqttconverter.WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Stop(context.Background()) })
	return consumer
}

// --- Test Cases ---

func TestMqttConsumer_StartSubscribesAndReceives(t *testing.T) {
	client := &mockMqttClient{}
	registry := metrics.NewRegistry()
	consumer := newTestConsumer(t, testConfig(), client, registry)

	require.NoError(t, consumer.Start(context.Background()))
	assert.True(t, consumer.IsConnected())
	assert.NoError(t, consumer.Ready())
	assert.Equal(t, map[string]byte{
		"devices/+/data":     1,
		"devices/+/status":   1,
		"devices/+/register": 1,
	}, client.subscribed)

	client.deliver("devices/wq-001/data", `{"deviceId":"wq-001"}`)

	select {
	case msg := <-consumer.Messages():
		assert.Equal(t, "devices/wq-001/data", msg.Topic)
		assert.Equal(t, []byte(`{"deviceId":"wq-001"}`), msg.Payload)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "7", msg.Attributes["mqtt_message_id"])
		assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), msg.ReceiveTime)
		raw := msg.Raw()
		assert.Equal(t, msg.Topic, raw.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message from consumer")
	}
	assert.Equal(t, uint64(1), registry.Snapshot().Received)
}

func TestMqttConsumer_FullBufferDropsWithoutBlocking(t *testing.T) {
	client := &mockMqttClient{}
	registry := metrics.NewRegistry()
	consumer := newTestConsumer(t, testConfig(), client, registry)
	require.NoError(t, consumer.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			client.deliver("devices/wq-001/data", "{}")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("paho callback blocked on a full buffer")
	}
	snap := registry.Snapshot()
	assert.Equal(t, uint64(5), snap.Received)
	assert.Equal(t, uint64(3), snap.ListenerDropped)
	assert.Len(t, consumer.Messages(), 2)
}

func TestMqttConsumer_ReconnectsAfterConnectionLoss(t *testing.T) {
	client := &mockMqttClient{}
	registry := metrics.NewRegistry()
	consumer := newTestConsumer(t, testConfig(), client, registry)
	require.NoError(t, consumer.Start(context.Background()))
	require.Equal(t, 1, client.ConnectCalls())

	// The next connect fails once, then succeeds.
	client.mu.Lock()
	client.connected = false
	client.failConnects = 2
	client.mu.Unlock()
	client.opts.OnConnectionLost(client, errors.New("broker went away"))

	require.Eventually(t, consumer.IsConnected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, client.ConnectCalls())
	assert.Equal(t, uint64(2), registry.Snapshot().Reconnects)
	assert.NoError(t, consumer.Ready())
}

func TestMqttConsumer_ReconnectExhaustionMarksFailed(t *testing.T) {
	client := &mockMqttClient{failConnects: 100}
	registry := metrics.NewRegistry()
	consumer := newTestConsumer(t, testConfig(), client, registry)

	// A failed first connection does not fail Start.
	require.NoError(t, consumer.Start(context.Background()))

	require.Eventually(t, consumer.Failed, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, consumer.Ready(), mqttconverter.ErrReconnectExhausted)
	// One initial attempt plus the bounded reconnect cycle.
	assert.Equal(t, 1+3, client.ConnectCalls())
	assert.Equal(t, uint64(3), registry.Snapshot().Reconnects)
}

func TestMqttConsumer_BridgeWill(t *testing.T) {
	cfg := testConfig()
	cfg.WillTopic = "bridges/waterbridge/status"
	client := &mockMqttClient{}
	consumer := newTestConsumer(t, cfg, client, metrics.NewRegistry())
	require.NoError(t, consumer.Start(context.Background()))

	assert.True(t, client.opts.WillEnabled)
	assert.Equal(t, cfg.WillTopic, client.opts.WillTopic)
	assert.True(t, client.opts.WillRetained)
	assert.Contains(t, string(client.opts.WillPayload), `"status":"offline"`)

	require.NoError(t, consumer.Stop(context.Background()))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.published, 2)
	assert.Contains(t, client.published[0].payload, `"status":"online"`)
	assert.Contains(t, client.published[1].payload, `"status":"offline"`)
	assert.True(t, client.published[1].retained)
}

func TestMqttConsumer_Stop(t *testing.T) {
	client := &mockMqttClient{}
	consumer := newTestConsumer(t, testConfig(), client, metrics.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, consumer.Start(ctx))

	// Cancelling the start context stops the consumer.
	cancel()
	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() channel should be closed after the start context ends")
	}
	assert.True(t, client.disconnectCalled)
	_, open := <-consumer.Messages()
	assert.False(t, open)

	// Late callbacks after Stop are dropped instead of panicking.
	var delivered atomic.Bool
	assert.NotPanics(t, func() {
		client.deliver("devices/wq-001/data", "{}")
		delivered.Store(true)
	})
	assert.True(t, delivered.Load())
}

func TestMQTTClientConfig_Validate(t *testing.T) {
	cfg := mqttconverter.DefaultMQTTClientConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker URL")
	assert.Contains(t, err.Error(), "username")

	cfg.BrokerURL = "tls://broker:8883"
	cfg.Username = "bridge"
	assert.NoError(t, cfg.Validate())

	cfg.TopicMappings = []mqttconverter.TopicMapping{{Name: "bad", Topic: "x", QoS: 3}}
	assert.ErrorContains(t, cfg.Validate(), "invalid QoS")
}
