// Package mqttconverter owns the broker connection and hands inbound device
// messages to the processing pipeline.
package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-waterbridge/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// ErrNotConnected and ErrReconnectExhausted are returned by Ready.
var (
	ErrNotConnected       = errors.New("mqtt consumer not connected")
	ErrReconnectExhausted = errors.New("mqtt reconnect attempts exhausted")
)

// Recorder is the subset of the metrics registry the consumer writes to.
type Recorder interface {
	IncReceived()
	IncListenerDropped()
	IncReconnects()
}

type nopRecorder struct{}

func (nopRecorder) IncReceived()        {}
func (nopRecorder) IncListenerDropped() {}
func (nopRecorder) IncReconnects()      {}

// ClientFactory builds the paho client from the assembled options. Tests
// replace it with a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option customises an MqttConsumer.
type Option func(*MqttConsumer)

// WithClientFactory overrides mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(c *MqttConsumer) { c.newClient = f }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(c *MqttConsumer) { c.recorder = r }
}

// WithClock sets the clock used for receive times.
func WithClock(now func() time.Time) Option {
	return func(c *MqttConsumer) { c.now = now }
}

// MqttConsumer implements messagepipeline.MessageConsumer for an MQTT broker.
//
// The paho callback never blocks: messages go to a bounded channel with a
// non-blocking send and are dropped and counted when it is full. Paho's own
// auto-reconnect is disabled; a lost connection starts a bounded reconnect
// cycle with exponential backoff instead.
type MqttConsumer struct {
	cfg       *MQTTClientConfig
	clientID  string
	newClient ClientFactory
	recorder  Recorder
	now       func() time.Time
	logger    zerolog.Logger

	client mqtt.Client

	outputChan chan messagepipeline.Message
	doneChan   chan struct{}
	// sendMu guards outputChan against a send racing its close.
	sendMu sync.RWMutex
	closed bool

	lifecycle    context.Context
	cancel       context.CancelFunc
	connected    atomic.Bool
	failed       atomic.Bool
	reconnecting atomic.Bool
	reconnectWg  sync.WaitGroup
	stopOnce     sync.Once
}

// NewMqttConsumer creates a consumer. It does not connect until Start.
func NewMqttConsumer(cfg *MQTTClientConfig, logger zerolog.Logger, opts ...Option) (*MqttConsumer, error) {
	if cfg == nil {
		return nil, errors.New("MQTT config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MQTT config: %w", err)
	}
	bufferSize := cfg.MessageBufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultMQTTClientConfig().MessageBufferSize
	}

	lifecycle, cancel := context.WithCancel(context.Background())
	c := &MqttConsumer{
		cfg:        cfg,
		clientID:   cfg.ClientIDPrefix + uuid.NewString()[:8],
		newClient:  mqtt.NewClient,
		recorder:   nopRecorder{},
		now:        time.Now,
		outputChan: make(chan messagepipeline.Message, bufferSize),
		doneChan:   make(chan struct{}),
		lifecycle:  lifecycle,
		cancel:     cancel,
	}
	c.logger = logger.With().Str("component", "MqttConsumer").Str("client_id", c.clientID).Logger()
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientID returns the MQTT client ID in use.
func (c *MqttConsumer) ClientID() string {
	return c.clientID
}

// Messages returns the hand-off channel. It is closed by Stop.
func (c *MqttConsumer) Messages() <-chan messagepipeline.Message {
	return c.outputChan
}

// Done is closed once Stop has completed.
func (c *MqttConsumer) Done() <-chan struct{} {
	return c.doneChan
}

// Start connects to the broker. A failed first connection is not an error:
// the consumer keeps trying in the background and reports through Ready.
func (c *MqttConsumer) Start(ctx context.Context) error {
	c.client = c.newClient(c.clientOptions())

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Connecting to MQTT broker...")
	if err := c.connectOnce(); err != nil {
		c.logger.Error().Err(err).Msg("Initial connection to MQTT broker failed, retrying in background.")
		c.startReconnect()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background())
		case <-c.doneChan:
		}
	}()
	return nil
}

// Stop unsubscribes, publishes the bridge's graceful offline status if
// configured, disconnects and closes the message channel.
func (c *MqttConsumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.cancel()
		c.reconnectWg.Wait()

		if c.client != nil && c.client.IsConnected() {
			if c.cfg.WillTopic != "" {
				token := c.client.Publish(c.cfg.WillTopic, 1, true, c.bridgeStatusPayload("offline"))
				waitToken(ctx, token, time.Second)
			}
			if token := c.client.Unsubscribe(c.topics()...); !waitToken(ctx, token, 2*time.Second) || token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topics.")
			}
			c.client.Disconnect(250)
		}
		c.connected.Store(false)

		c.sendMu.Lock()
		c.closed = true
		close(c.outputChan)
		c.sendMu.Unlock()
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *MqttConsumer) IsConnected() bool {
	return c.connected.Load()
}

// Failed reports whether the last reconnect cycle gave up.
func (c *MqttConsumer) Failed() bool {
	return c.failed.Load()
}

// Ready returns nil while connected. It is used as a readiness check.
func (c *MqttConsumer) Ready() error {
	switch {
	case c.connected.Load():
		return nil
	case c.failed.Load():
		return ErrReconnectExhausted
	default:
		return ErrNotConnected
	}
}

func (c *MqttConsumer) topics() []string {
	topics := make([]string, 0, len(c.cfg.TopicMappings))
	for _, m := range c.cfg.TopicMappings {
		topics = append(topics, m.Topic)
	}
	return topics
}

func (c *MqttConsumer) connectOnce() error {
	token := c.client.Connect()
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultMQTTClientConfig().ConnectTimeout
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connect timed out after %v", timeout)
	}
	return token.Error()
}

// handleConnect runs on every successful (re)connect.
func (c *MqttConsumer) handleConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.failed.Store(false)
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Connected to MQTT broker.")

	filters := make(map[string]byte, len(c.cfg.TopicMappings))
	for _, m := range c.cfg.TopicMappings {
		filters[m.Topic] = m.QoS
	}
	token := client.SubscribeMultiple(filters, c.handleIncomingMessage)
	go func() {
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Strs("topics", c.topics()).Msg("Failed to subscribe to MQTT topics.")
			return
		}
		c.logger.Info().Strs("topics", c.topics()).Msg("Subscribed to MQTT topics.")
	}()

	if c.cfg.WillTopic != "" {
		client.Publish(c.cfg.WillTopic, 1, true, c.bridgeStatusPayload("online"))
	}
}

func (c *MqttConsumer) handleConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Error().Err(err).Msg("Lost MQTT connection.")
	c.startReconnect()
}

func (c *MqttConsumer) startReconnect() {
	if c.lifecycle.Err() != nil || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	c.reconnectWg.Add(1)
	go func() {
		defer c.reconnectWg.Done()
		defer c.reconnecting.Store(false)
		c.reconnect()
	}()
}

// reconnect retries the connection with exponential backoff until it
// succeeds, the attempt budget is spent, or the consumer stops.
func (c *MqttConsumer) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectWaitMin
	bo.MaxInterval = c.cfg.ReconnectWaitMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	var policy backoff.BackOff = bo
	if c.cfg.ReconnectMaxAttempts > 0 {
		policy = backoff.WithMaxRetries(bo, uint64(c.cfg.ReconnectMaxAttempts-1))
	}
	policy = backoff.WithContext(policy, c.lifecycle)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		c.recorder.IncReconnects()
		return c.connectOnce()
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("MQTT reconnect attempt failed.")
	})

	switch {
	case err == nil:
		c.logger.Info().Int("attempts", attempt).Msg("Reconnected to MQTT broker.")
	case c.lifecycle.Err() != nil:
	default:
		c.failed.Store(true)
		c.logger.Error().Err(err).Int("attempts", attempt).Msg("Giving up on MQTT reconnect; listener marked failed.")
	}
}

// handleIncomingMessage is the paho callback. It must never block.
func (c *MqttConsumer) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	c.recorder.IncReceived()
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	m := messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:          uuid.NewString(),
			Topic:       msg.Topic(),
			Payload:     payload,
			ReceiveTime: c.now().UTC(),
		},
		Attributes: map[string]string{
			"mqtt_message_id": strconv.Itoa(int(msg.MessageID())),
			"qos":             strconv.Itoa(int(msg.Qos())),
			"retained":        strconv.FormatBool(msg.Retained()),
			"duplicate":       strconv.FormatBool(msg.Duplicate()),
		},
		// QoS acknowledgement is handled by paho once the callback returns,
		// so settlement in the pipeline is a no-op.
		Ack:  func() {},
		Nack: func() {},
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		c.recorder.IncListenerDropped()
		return
	}
	select {
	case c.outputChan <- m:
	default:
		c.recorder.IncListenerDropped()
		c.logger.Warn().Str("source_topic", msg.Topic()).Int("buffer_size", cap(c.outputChan)).Msg("Hand-off buffer full, dropping MQTT message.")
	}
}

// clientOptions assembles the paho options from the config.
func (c *MqttConsumer) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.clientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)
	opts.SetDefaultPublishHandler(c.handleIncomingMessage)

	if c.cfg.WillTopic != "" {
		opts.SetWill(c.cfg.WillTopic, c.bridgeStatusPayload("offline"), 1, true)
	}

	broker := strings.ToLower(c.cfg.BrokerURL)
	if strings.HasPrefix(broker, "tls://") || strings.HasPrefix(broker, "ssl://") || strings.HasPrefix(broker, "mqtts://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	return opts
}

func (c *MqttConsumer) bridgeStatusPayload(status string) string {
	return fmt.Sprintf(`{"status":%q,"clientId":%q,"timestamp":%q}`, status, c.clientID, c.now().UTC().Format(time.RFC3339))
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
