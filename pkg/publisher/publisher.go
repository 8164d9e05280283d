// Package publisher delivers flushed batches to the downstream transport
// behind a per-topic circuit breaker, retrying transient failures.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-waterbridge/pkg/breaker"
	"github.com/illmade-knight/go-waterbridge/pkg/buffer"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Transport is the single downstream publish primitive.
type Transport interface {
	Publish(ctx context.Context, topic string, batch []types.OutboundMessage) error
}

// DeadLetterSink archives batches the bridge has given up on.
type DeadLetterSink interface {
	Archive(ctx context.Context, topic, reason string, msgs []types.OutboundMessage) error
}

// Recorder is the subset of the metrics registry the publisher writes to.
type Recorder interface {
	AddPublished(n int)
	AddFailed(n int)
	IncRetries()
	SetBreakerPhase(topic, phase string)
}

// Drop reasons passed to the dead-letter sink.
const (
	ReasonPermanent = "permanent_error"
	ReasonExhausted = "retries_exhausted"
)

// Config holds the retry policy.
type Config struct {
	// MaxAttempts is the total number of tries for a transient failure.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// AttemptTimeout bounds a single transport call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	// Breaker configures the breaker created for every topic.
	Breaker breaker.Config `yaml:"breaker" envPrefix:"BREAKER_"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 30 * time.Second,
		Breaker:        breaker.DefaultConfig(),
	}
}

// Publisher sends batches through one breaker per output topic.
type Publisher struct {
	cfg        Config
	transport  Transport
	deadLetter DeadLetterSink
	recorder   Recorder
	logger     zerolog.Logger
	breakers   map[string]*breaker.Breaker
}

// Option customises a Publisher.
type Option func(*publisherOptions)

type publisherOptions struct {
	deadLetter  DeadLetterSink
	breakerOpts []breaker.Option
}

// WithDeadLetterSink archives every dropped batch to sink.
func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(o *publisherOptions) { o.deadLetter = sink }
}

// WithBreakerOptions passes options through to every breaker, e.g. a test clock.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *publisherOptions) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// New creates a Publisher with a CLOSED breaker for each topic.
func New(cfg Config, topics []string, transport Transport, recorder Recorder, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	if transport == nil || recorder == nil {
		return nil, fmt.Errorf("transport and recorder cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}

	var o publisherOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &Publisher{
		cfg:        cfg,
		transport:  transport,
		deadLetter: o.deadLetter,
		recorder:   recorder,
		logger:     logger.With().Str("component", "Publisher").Logger(),
		breakers:   make(map[string]*breaker.Breaker, len(topics)),
	}
	onTransition := func(name string, from, to breaker.Phase) {
		recorder.SetBreakerPhase(name, to.String())
		p.logger.Warn().Str("topic", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker transition.")
	}
	breakerOpts := append([]breaker.Option{breaker.WithTransitionFunc(onTransition)}, o.breakerOpts...)
	for _, topic := range topics {
		p.breakers[topic] = breaker.New(topic, cfg.Breaker, breakerOpts...)
		recorder.SetBreakerPhase(topic, breaker.Closed.String())
	}
	return p, nil
}

// Breaker returns the breaker guarding topic, or nil.
func (p *Publisher) Breaker(topic string) *breaker.Breaker {
	return p.breakers[topic]
}

// Publish delivers batch to topic. Transient failures are retried while the
// breaker stays closed; a breaker that is or becomes open defers the batch
// with ErrBreakerOpen. Permanent failures and exhausted retries drop the
// batch, count it as failed and archive it.
func (p *Publisher) Publish(ctx context.Context, topic string, batch []types.OutboundMessage) (buffer.Outcome, error) {
	br, ok := p.breakers[topic]
	if !ok {
		err := NewPermanentError(fmt.Errorf("unknown topic %q", topic))
		if len(batch) > 0 {
			p.logger.Error().Err(err).Str("topic", topic).Int("batch_size", len(batch)).Msg("No breaker for topic, dropping batch.")
			p.fail(ctx, topic, ReasonPermanent, batch)
		}
		return buffer.Dropped, err
	}
	if len(batch) == 0 {
		return buffer.Published, nil
	}
	batchLog := p.logger.With().Str("topic", topic).Str("batch_id", uuid.NewString()).Int("batch_size", len(batch)).Logger()

	retry := newRetryState(p.cfg)
	for {
		if err := br.Allow(); err != nil {
			batchLog.Debug().Msg("Breaker open, deferring batch.")
			return buffer.Deferred, ErrBreakerOpen
		}

		err := p.attempt(ctx, topic, batch)
		if err == nil {
			br.Success()
			p.recorder.AddPublished(len(batch))
			batchLog.Debug().Int("attempt", retry.attempt).Msg("Batch published.")
			return buffer.Published, nil
		}

		if ctx.Err() != nil {
			br.Abort()
			batchLog.Warn().Err(err).Msg("Publish interrupted by shutdown, deferring batch.")
			return buffer.Deferred, fmt.Errorf("publish interrupted: %w", ctx.Err())
		}

		if Classify(err) == Permanent {
			br.Abort()
			batchLog.Error().Err(err).Msg("Permanent publish error, dropping batch.")
			p.fail(ctx, topic, ReasonPermanent, batch)
			return buffer.Dropped, err
		}

		if br.Failure() {
			batchLog.Warn().Err(err).Int("attempt", retry.attempt).Msg("Breaker opened, deferring batch.")
			return buffer.Deferred, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}

		wait, more := retry.next()
		if !more {
			batchLog.Error().Err(err).Int("attempts", retry.attempt).Msg("Publish retries exhausted, dropping batch.")
			p.fail(ctx, topic, ReasonExhausted, batch)
			return buffer.Dropped, fmt.Errorf("publish to %s failed after %d attempts: %w", topic, retry.attempt, err)
		}
		p.recorder.IncRetries()
		batchLog.Warn().Err(err).Int("attempt", retry.attempt).Dur("retry_in", wait).Msg("Transient publish error, retrying.")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return buffer.Deferred, fmt.Errorf("publish interrupted during backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Flush adapts Publish to buffer.FlushFunc.
func (p *Publisher) Flush(ctx context.Context, topic string, batch []types.OutboundMessage) buffer.Outcome {
	outcome, _ := p.Publish(ctx, topic, batch)
	return outcome
}

// Archive hands entries dropped elsewhere (buffer overflow, shutdown) to the
// dead-letter sink. It matches buffer.DropFunc.
func (p *Publisher) Archive(ctx context.Context, topic, reason string, msgs []types.OutboundMessage) {
	if p.deadLetter == nil || len(msgs) == 0 {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
	defer cancel()
	if err := p.deadLetter.Archive(archiveCtx, topic, reason, msgs); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Str("reason", reason).Int("drop_count", len(msgs)).Msg("Failed to archive dropped messages.")
	}
}

func (p *Publisher) attempt(ctx context.Context, topic string, batch []types.OutboundMessage) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	err := p.transport.Publish(attemptCtx, topic, batch)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return NewTransientError(err)
	}
	return err
}

func (p *Publisher) fail(ctx context.Context, topic, reason string, batch []types.OutboundMessage) {
	p.recorder.AddFailed(len(batch))
	p.Archive(ctx, topic, reason, batch)
}

// retryState is the explicit retry bookkeeping for one batch: how many
// attempts have been made and how long to wait before the next.
type retryState struct {
	attempt     int
	maxAttempts int
	backoff     *backoff.ExponentialBackOff
}

func newRetryState(cfg Config) *retryState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &retryState{attempt: 1, maxAttempts: cfg.MaxAttempts, backoff: bo}
}

// next advances to the following attempt and returns the wait before it.
// more is false once the attempt budget is spent.
func (r *retryState) next() (wait time.Duration, more bool) {
	if r.attempt >= r.maxAttempts {
		return 0, false
	}
	r.attempt++
	return r.backoff.NextBackOff(), true
}
