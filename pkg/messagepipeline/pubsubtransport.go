package messagepipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-waterbridge/pkg/publisher"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Attribute keys set on every outbound Pub/Sub message.
const (
	AttrDeviceID    = "deviceId"
	AttrMessageID   = "messageId"
	AttrSourceTopic = "sourceTopic"
)

// PubsubTransportConfig holds configuration for the Google Pub/Sub transport.
type PubsubTransportConfig struct {
	ProjectID string `yaml:"project_id" env:"PROJECT_ID"`
	// TopicIDs maps an outbound topic name to a Pub/Sub topic ID. Names
	// without an entry are used as the topic ID directly.
	TopicIDs map[string]string `yaml:"topic_ids" env:"TOPIC_IDS"`
	// VerifyTopics checks that every topic exists at construction.
	VerifyTopics       bool          `yaml:"verify_topics" env:"VERIFY_TOPICS"`
	TopicExistsTimeout time.Duration `yaml:"topic_exists_timeout" env:"TOPIC_EXISTS_TIMEOUT"`
	// DelayThreshold and CountThreshold tune the client's own batching.
	DelayThreshold time.Duration `yaml:"delay_threshold" env:"DELAY_THRESHOLD"`
	CountThreshold int           `yaml:"count_threshold" env:"COUNT_THRESHOLD"`
}

// DefaultPubsubTransportConfig provides sensible defaults.
func DefaultPubsubTransportConfig() PubsubTransportConfig {
	return PubsubTransportConfig{
		VerifyTopics:       true,
		TopicExistsTimeout: 15 * time.Second,
		DelayThreshold:     10 * time.Millisecond,
		CountThreshold:     100,
	}
}

// GooglePubsubTransport publishes outbound batches to Google Cloud Pub/Sub,
// one Pub/Sub message per OutboundMessage.
type GooglePubsubTransport struct {
	topics map[string]*pubsub.Topic
	logger zerolog.Logger
}

// NewGooglePubsubTransport creates a transport for the given outbound topics.
func NewGooglePubsubTransport(
	ctx context.Context,
	cfg PubsubTransportConfig,
	client *pubsub.Client,
	topicNames []string,
	logger zerolog.Logger,
) (*GooglePubsubTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for transport")
	}
	t := &GooglePubsubTransport{
		topics: make(map[string]*pubsub.Topic, len(topicNames)),
		logger: logger.With().Str("component", "GooglePubsubTransport").Logger(),
	}
	for _, name := range topicNames {
		topicID := name
		if mapped, ok := cfg.TopicIDs[name]; ok && mapped != "" {
			topicID = mapped
		}
		topic := client.Topic(topicID)
		if cfg.DelayThreshold > 0 {
			topic.PublishSettings.DelayThreshold = cfg.DelayThreshold
		}
		if cfg.CountThreshold > 0 {
			topic.PublishSettings.CountThreshold = cfg.CountThreshold
		}
		t.topics[name] = topic

		if cfg.VerifyTopics {
			if err := verifyTopic(ctx, topic, cfg.TopicExistsTimeout); err != nil {
				t.stopTopics()
				return nil, err
			}
		}
		t.logger.Info().Str("topic", name).Str("topic_id", topicID).Msg("Outbound topic ready.")
	}
	return t, nil
}

func verifyTopic(ctx context.Context, topic *pubsub.Topic, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	existsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return fmt.Errorf("failed to check for topic %s: %w", topic.ID(), err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %s does not exist", topic.ID())
	}
	return nil
}

// Publish sends every message in batch to topic and waits for all results.
// Serialisation failures and unknown topics are permanent errors; the first
// failed result is returned as is so its gRPC status can be classified.
func (t *GooglePubsubTransport) Publish(ctx context.Context, topic string, batch []types.OutboundMessage) error {
	pt, ok := t.topics[topic]
	if !ok {
		return publisher.NewPermanentError(fmt.Errorf("no pubsub topic configured for %q", topic))
	}

	msgs := make([]*pubsub.Message, 0, len(batch))
	for _, m := range batch {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return publisher.NewPermanentError(fmt.Errorf("failed to marshal message %s: %w", m.ID, err))
		}
		msgs = append(msgs, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				AttrDeviceID:    m.DeviceID,
				AttrMessageID:   m.ID,
				AttrSourceTopic: topic,
			},
		})
	}

	results := make([]*pubsub.PublishResult, len(msgs))
	for i, msg := range msgs {
		results[i] = pt.Publish(ctx, msg)
	}

	var firstErr error
	for i, res := range results {
		serverID, err := res.Get(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish of %s to %s failed: %w", batch[i].ID, topic, err)
			}
			continue
		}
		t.logger.Debug().Str("topic", topic).Str("message_id", batch[i].ID).Str("pubsub_msg_id", serverID).Msg("Message published.")
	}
	return firstErr
}

// Stop flushes and stops every topic, bounded by ctx.
func (t *GooglePubsubTransport) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		t.stopTopics()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		t.logger.Info().Msg("Pub/Sub transport stopped.")
		return nil
	case <-ctx.Done():
		t.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topics to flush and stop.")
		return ctx.Err()
	}
}

func (t *GooglePubsubTransport) stopTopics() {
	var wg sync.WaitGroup
	for _, topic := range t.topics {
		wg.Add(1)
		go func(tp *pubsub.Topic) {
			defer wg.Done()
			tp.Stop()
		}(topic)
	}
	wg.Wait()
}
