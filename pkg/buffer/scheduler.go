package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Outcome is what the flush handler did with a batch.
type Outcome int

const (
	// Published means the batch was acknowledged downstream.
	Published Outcome = iota
	// Deferred means the batch was not attempted or could not be delivered yet
	// and must be re-buffered.
	Deferred
	// Dropped means the batch was given up on; the handler has counted it.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// FlushFunc hands a drained batch downstream.
type FlushFunc func(ctx context.Context, topic string, batch []types.OutboundMessage) Outcome

// DropFunc is told about entries the scheduler itself gives up on: re-buffer
// overflow and shutdown losses.
type DropFunc func(ctx context.Context, topic, reason string, msgs []types.OutboundMessage)

// Recorder is the subset of the metrics registry the scheduler writes to.
type Recorder interface {
	IncFlushes()
	SetBufferOccupancy(topic string, n int)
	AddDeferred(n int)
	AddDropped(n int)
	AddLostOnShutdown(n int)
}

// Drop reasons passed to DropFunc.
const (
	ReasonOverflow = "rebuffer_overflow"
	ReasonShutdown = "shutdown"
)

// SchedulerConfig holds the buffer sizing and flush policy shared by every topic.
type SchedulerConfig struct {
	// Capacity is the number of fresh entries that forces a flush.
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// RebufferCapacity bounds entries held back after a deferred publish.
	RebufferCapacity int `yaml:"rebuffer_capacity" env:"REBUFFER_CAPACITY"`
	// FlushInterval is the per-topic timer.
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Capacity:         100,
		RebufferCapacity: 1000,
		FlushInterval:    60 * time.Second,
	}
}

// Scheduler owns one Buffer per topic and one goroutine per topic that flushes
// it on a timer or when it fills. Flushes of one topic never overlap; topics
// flush independently of each other.
type Scheduler struct {
	cfg      SchedulerConfig
	flushFn  FlushFunc
	dropFn   DropFunc
	recorder Recorder
	logger   zerolog.Logger

	buffers map[string]*Buffer
	force   map[string]chan struct{}

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once

	// closeMu orders re-buffering against the shutdown drain; once closed is
	// set a deferred batch is lost rather than re-buffered.
	closeMu sync.Mutex
	closed  bool
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithDropFunc registers a handler for overflow and shutdown losses.
func WithDropFunc(fn DropFunc) SchedulerOption {
	return func(s *Scheduler) { s.dropFn = fn }
}

// NewScheduler creates a scheduler with an empty buffer for each topic.
func NewScheduler(
	cfg SchedulerConfig,
	topics []string,
	flushFn FlushFunc,
	recorder Recorder,
	logger zerolog.Logger,
	opts ...SchedulerOption,
) (*Scheduler, error) {
	if flushFn == nil || recorder == nil {
		return nil, fmt.Errorf("flush function and recorder cannot be nil")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	defaults := DefaultSchedulerConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaults.Capacity
	}
	if cfg.RebufferCapacity < 0 {
		cfg.RebufferCapacity = defaults.RebufferCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	s := &Scheduler{
		cfg:      cfg,
		flushFn:  flushFn,
		recorder: recorder,
		logger:   logger.With().Str("component", "FlushScheduler").Logger(),
		buffers:  make(map[string]*Buffer, len(topics)),
		force:    make(map[string]chan struct{}, len(topics)),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, topic := range topics {
		s.buffers[topic] = New(topic, cfg.Capacity, cfg.RebufferCapacity)
		s.force[topic] = make(chan struct{}, 1)
		recorder.SetBufferOccupancy(topic, 0)
	}
	return s, nil
}

// Enqueue adds msg to the buffer for msg.Topic. It never blocks on publishing.
func (s *Scheduler) Enqueue(ctx context.Context, msg types.OutboundMessage) error {
	buf, ok := s.buffers[msg.Topic]
	if !ok {
		return fmt.Errorf("no buffer for topic %q", msg.Topic)
	}
	full, dropped := buf.Enqueue(msg)
	s.recorder.SetBufferOccupancy(msg.Topic, buf.Len())
	if len(dropped) > 0 {
		s.drop(ctx, msg.Topic, ReasonOverflow, dropped)
	}
	if full {
		select {
		case s.force[msg.Topic] <- struct{}{}:
		default:
			// A forced flush is already pending.
		}
	}
	return nil
}

// Occupancy returns the number of entries held for topic.
func (s *Scheduler) Occupancy(topic string) int {
	if buf, ok := s.buffers[topic]; ok {
		return buf.Len()
	}
	return 0
}

// Start launches one flush loop per topic.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.logger.Info().
		Int("capacity", s.cfg.Capacity).
		Int("rebuffer_capacity", s.cfg.RebufferCapacity).
		Dur("flush_interval", s.cfg.FlushInterval).
		Int("topic_count", len(s.buffers)).
		Msg("Starting flush scheduler...")
	for topic, buf := range s.buffers {
		s.wg.Add(1)
		go s.loop(loopCtx, buf, s.force[topic])
	}
}

// Stop halts the flush loops, then makes one best-effort flush of every buffer
// within ctx. Anything still buffered afterwards is counted as lost.
func (s *Scheduler) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping flush scheduler...")
		if s.cancel != nil {
			s.cancel()
		}

		loopsDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(loopsDone)
		}()
		select {
		case <-loopsDone:
			s.finalFlush(ctx)
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for flush loops; skipping final flush.")
			stopErr = ctx.Err()
		}

		s.closeMu.Lock()
		s.closed = true
		lost := 0
		for topic, buf := range s.buffers {
			remaining := buf.Drain()
			s.recorder.SetBufferOccupancy(topic, 0)
			lost += s.lose(topic, remaining)
		}
		s.closeMu.Unlock()
		if lost > 0 {
			s.logger.Error().Int("lost_count", lost).Msg("Buffered messages lost on shutdown.")
		}
		s.logger.Info().Msg("Flush scheduler stopped.")
	})
	return stopErr
}

// loop is the single flusher for one topic.
func (s *Scheduler) loop(ctx context.Context, buf *Buffer, force <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx, buf, "interval")
		case <-force:
			s.flush(ctx, buf, "capacity")
			ticker.Reset(s.cfg.FlushInterval)
		}
	}
}

// finalFlush flushes every topic concurrently with the shutdown context.
func (s *Scheduler) finalFlush(ctx context.Context) {
	var wg sync.WaitGroup
	for _, buf := range s.buffers {
		wg.Add(1)
		go func(b *Buffer) {
			defer wg.Done()
			s.flush(ctx, b, "shutdown")
		}(buf)
	}
	wg.Wait()
}

// flush drains buf and hands the batch to the flush function. Deferred batches
// are put back at the front of the buffer.
func (s *Scheduler) flush(ctx context.Context, buf *Buffer, trigger string) {
	topic := buf.Topic()
	s.recorder.IncFlushes()
	batch := buf.Drain()
	s.recorder.SetBufferOccupancy(topic, buf.Len())
	if len(batch) == 0 {
		s.logger.Debug().Str("topic", topic).Str("trigger", trigger).Msg("Nothing buffered, no-op flush.")
		return
	}

	s.logger.Debug().Str("topic", topic).Str("trigger", trigger).Int("batch_size", len(batch)).Msg("Flushing buffer.")
	outcome := s.flushFn(ctx, topic, batch)
	if outcome == Deferred {
		s.recorder.AddDeferred(len(batch))
		s.closeMu.Lock()
		if s.closed {
			// Stop has already drained the buffers; this loop outlived its deadline.
			n := s.lose(topic, batch)
			s.closeMu.Unlock()
			s.logger.Error().Str("topic", topic).Int("lost_count", n).Msg("Deferred batch returned after shutdown, counted as lost.")
			return
		}
		dropped := buf.Requeue(batch)
		s.closeMu.Unlock()
		if len(dropped) > 0 {
			s.drop(ctx, topic, ReasonOverflow, dropped)
		}
		s.logger.Warn().Str("topic", topic).Int("batch_size", len(batch)).Int("buffered", buf.Len()).Msg("Publish deferred, batch re-buffered.")
	}
	s.recorder.SetBufferOccupancy(topic, buf.Len())
}

// lose counts msgs as lost on shutdown and archives them.
func (s *Scheduler) lose(topic string, msgs []types.OutboundMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	s.recorder.AddLostOnShutdown(len(msgs))
	if s.dropFn != nil {
		s.dropFn(context.Background(), topic, ReasonShutdown, msgs)
	}
	return len(msgs)
}

func (s *Scheduler) drop(ctx context.Context, topic, reason string, msgs []types.OutboundMessage) {
	s.recorder.AddDropped(len(msgs))
	s.logger.Error().Str("topic", topic).Str("reason", reason).Int("drop_count", len(msgs)).Msg("Dropping oldest buffered messages.")
	if s.dropFn != nil {
		s.dropFn(ctx, topic, reason, msgs)
	}
}
