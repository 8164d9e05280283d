package messagepipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

// PartitionFunc returns the ordering key of a message. Messages that share a
// key are handled by the same worker in arrival order.
type PartitionFunc func(msg *Message) string

// ByTopic keys messages by their source topic.
func ByTopic(msg *Message) string { return msg.Topic }

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	NumWorkers int `yaml:"num_workers" env:"NUM_WORKERS"`
	// WorkerQueueSize bounds each worker's queue. When a worker falls behind
	// the dispatcher waits, and the consumer's own buffer absorbs the burst.
	WorkerQueueSize int `yaml:"worker_queue_size" env:"WORKER_QUEUE_SIZE"`
}

const defaultWorkerQueueSize = 64

// StreamingService drains a MessageConsumer through a transformer and then a
// processor. A single dispatcher shards messages across the workers by
// partition key, so ordering holds per key however many workers run.
type StreamingService[T any] struct {
	cfg         StreamingServiceConfig
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	partition   PartitionFunc
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// StreamingOption customises a StreamingService.
type StreamingOption[T any] func(*StreamingService[T])

// WithPartitionFunc replaces the default ByTopic partitioning.
func WithPartitionFunc[T any](fn PartitionFunc) StreamingOption[T] {
	return func(s *StreamingService[T]) {
		if fn != nil {
			s.partition = fn
		}
	}
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
	opts ...StreamingOption[T],
) (*StreamingService[T], error) {
	switch {
	case consumer == nil:
		return nil, fmt.Errorf("consumer cannot be nil")
	case transformer == nil:
		return nil, fmt.Errorf("transformer cannot be nil")
	case processor == nil:
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.WorkerQueueSize <= 0 {
		cfg.WorkerQueueSize = defaultWorkerQueueSize
	}

	s := &StreamingService[T]{
		cfg:         cfg,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		partition:   ByTopic,
		logger:      logger.With().Str("component", "StreamingService").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start starts the consumer, the workers and the dispatcher that feeds them.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	queues := make([]chan Message, s.cfg.NumWorkers)
	for i := range queues {
		queues[i] = make(chan Message, s.cfg.WorkerQueueSize)
		s.wg.Add(1)
		go s.worker(ctx, i, queues[i])
	}
	s.wg.Add(1)
	go s.dispatch(queues)

	s.logger.Info().Int("worker_count", s.cfg.NumWorkers).Msg("Streaming service started.")
	return nil
}

// Stop stops the consumer first so no new messages arrive, then waits for
// everything already handed over to be processed.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info().Msg("Streaming service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for processing workers to finish.")
		return ctx.Err()
	}
}

// dispatch runs until the consumer channel closes, then closes every queue.
func (s *StreamingService[T]) dispatch(queues []chan Message) {
	defer s.wg.Done()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()
	for msg := range s.consumer.Messages() {
		queues[s.shard(&msg, len(queues))] <- msg
	}
	s.logger.Debug().Msg("Consumer channel closed, dispatcher exiting.")
}

func (s *StreamingService[T]) shard(msg *Message, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s.partition(msg)))
	return int(h.Sum32() % uint32(n))
}

// worker does not watch ctx: messages already queued are still processed
// during shutdown.
func (s *StreamingService[T]) worker(ctx context.Context, workerID int, queue <-chan Message) {
	defer s.wg.Done()
	for msg := range queue {
		s.process(ctx, msg)
	}
	s.logger.Debug().Int("worker_id", workerID).Msg("Queue closed, worker exiting.")
}

func (s *StreamingService[T]) process(ctx context.Context, msg Message) {
	payload, skip, err := s.transformer(ctx, &msg)
	switch {
	case err != nil:
		s.logger.Debug().Err(err).Str("msg_id", msg.ID).Str("source_topic", msg.Topic).Msg("Transform failed, nacking.")
		msg.nack()
	case skip:
		msg.ack()
	default:
		if err := s.processor(ctx, msg, payload); err != nil {
			s.logger.Error().Err(err).Str("msg_id", msg.ID).Str("source_topic", msg.Topic).Msg("Processor failed, nacking.")
			msg.nack()
			return
		}
		msg.ack()
	}
}
