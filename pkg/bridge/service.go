// Package bridge wires the MQTT listener, validator, per-topic buffers,
// publisher and liveness tracker into the running ingestion service.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-waterbridge/pkg/buffer"
	"github.com/illmade-knight/go-waterbridge/pkg/liveness"
	"github.com/illmade-knight/go-waterbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-waterbridge/pkg/metrics"
	"github.com/illmade-knight/go-waterbridge/pkg/microservice"
	"github.com/illmade-knight/go-waterbridge/pkg/publisher"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/illmade-knight/go-waterbridge/pkg/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

const (
	serverShutdownTimeout = 5 * time.Second
	restoreTimeout        = 30 * time.Second
)

// Inbound is an accepted message, routed by the kind its topic names.
// Exactly one of Reading, Status and Registration is set.
type Inbound struct {
	Kind         validation.MessageKind
	Reading      *types.ValidatedReading
	Status       *types.StatusEvent
	Registration *types.Registration
	ReceiveTime  time.Time
}

// Dependencies are the collaborators the service does not build itself.
// Consumer and Transport are required.
type Dependencies struct {
	Consumer  messagepipeline.MessageConsumer
	Transport publisher.Transport

	// Metrics defaults to a fresh registry.
	Metrics *metrics.Registry
	// LivenessStore persists liveness records. Nil keeps them in memory only.
	LivenessStore liveness.Store
	// DeadLetter archives dropped batches. Nil only logs and counts them.
	DeadLetter publisher.DeadLetterSink
	// Clock defaults to time.Now.
	Clock func() time.Time
	// PublisherOptions are passed through to publisher.New.
	PublisherOptions []publisher.Option
}

// readiness is implemented by consumers that can report broker connectivity.
type readiness interface {
	Ready() error
}

// Service is the assembled bridge.
type Service struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	metrics   *metrics.Registry
	validator *validation.Validator
	publisher *publisher.Publisher
	scheduler *buffer.Scheduler
	tracker   *liveness.Tracker
	pipeline  *messagepipeline.StreamingService[Inbound]
	server    *microservice.BaseServer
}

// NewService builds every stage of the bridge. Nothing runs until Start.
func NewService(cfg Config, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Consumer == nil || deps.Transport == nil {
		return nil, errors.New("consumer and transport are required")
	}
	s := &Service{
		cfg:     cfg,
		now:     deps.Clock,
		logger:  logger.With().Str("component", "Bridge").Logger(),
		metrics: deps.Metrics,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}

	s.validator = validation.NewValidator(cfg.Validation, validation.WithClock(s.now))

	pubOpts := append([]publisher.Option{}, deps.PublisherOptions...)
	if deps.DeadLetter != nil {
		pubOpts = append(pubOpts, publisher.WithDeadLetterSink(deps.DeadLetter))
	}
	pub, err := publisher.New(cfg.Publisher, types.OutboundTopics, deps.Transport, s.metrics, logger, pubOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	s.publisher = pub

	sched, err := buffer.NewScheduler(cfg.Buffer, types.OutboundTopics, pub.Flush, s.metrics, logger, buffer.WithDropFunc(pub.Archive))
	if err != nil {
		return nil, fmt.Errorf("failed to create flush scheduler: %w", err)
	}
	s.scheduler = sched

	trackerOpts := []liveness.Option{}
	if deps.LivenessStore != nil {
		trackerOpts = append(trackerOpts, liveness.WithStore(deps.LivenessStore))
	}
	if cfg.Liveness.StoreTimeout > 0 {
		trackerOpts = append(trackerOpts, liveness.WithStoreTimeout(cfg.Liveness.StoreTimeout))
	}
	s.tracker = liveness.NewTracker(s.emitStatus, s.metrics, logger, trackerOpts...)

	pipeline, err := messagepipeline.NewStreamingService[Inbound](
		cfg.Pipeline, deps.Consumer, s.transform, s.process, logger,
		messagepipeline.WithPartitionFunc[Inbound](deviceKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}
	s.pipeline = pipeline

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		s.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.server = microservice.NewBaseServer(logger, cfg.HTTPPort)
	s.server.HandleStatus(func() interface{} { return s.metrics.Snapshot() })
	s.server.HandleMetrics(promRegistry)
	if r, ok := deps.Consumer.(readiness); ok {
		s.server.AddReadinessCheck("mqtt", r.Ready)
	}
	return s, nil
}

// Metrics returns the registry the service writes to.
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

// Tracker returns the liveness tracker.
func (s *Service) Tracker() *liveness.Tracker { return s.tracker }

// Publisher returns the publisher, mainly to inspect breaker state.
func (s *Service) Publisher() *publisher.Publisher { return s.publisher }

// Server returns the health and metrics HTTP server.
func (s *Service) Server() *microservice.BaseServer { return s.server }

// Start runs the flush loops, the HTTP server and then the listener.
// Cancelling ctx does not stop the bridge; call Stop so buffered data is flushed.
func (s *Service) Start(ctx context.Context) error {
	restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	if _, err := s.tracker.Restore(restoreCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Starting with a partial liveness table.")
	}
	cancel()

	runCtx := context.WithoutCancel(ctx)
	s.scheduler.Start(runCtx)
	if err := s.server.Start(); err != nil {
		_ = s.scheduler.Stop(ctx)
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.pipeline.Start(runCtx); err != nil {
		_ = s.scheduler.Stop(ctx)
		_ = s.shutdownServer()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	s.logger.Info().Str("http_port", s.server.GetHTTPPort()).Msg("Bridge started.")
	return nil
}

// Stop stops the listener, lets the workers drain, then makes a final flush
// of every buffer within ShutdownGrace. Anything left is counted as lost.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Dur("grace", s.cfg.ShutdownGrace).Msg("Stopping bridge...")
	graceCtx := ctx
	if s.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		graceCtx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}

	var errs []error
	if err := s.pipeline.Stop(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline stop: %w", err))
	}
	if err := s.scheduler.Stop(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	if err := s.shutdownServer(); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	snap := s.metrics.Snapshot()
	s.logger.Info().
		Uint64("published", snap.Published).
		Uint64("failed", snap.Failed).
		Uint64("lost_on_shutdown", snap.LostOnShutdown).
		Msg("Bridge stopped.")
	return errors.Join(errs...)
}

func (s *Service) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// deviceKey keeps every message of one device on one worker, whatever its kind,
// so a heartbeat can never overtake the LWT that preceded it.
func deviceKey(msg *messagepipeline.Message) string {
	if id, _, ok := validation.ParseTopic(msg.Topic); ok {
		return id
	}
	return msg.Topic
}

// transform validates a message against the rules for its topic kind.
// Rejected messages are logged, counted and skipped.
func (s *Service) transform(_ context.Context, msg *messagepipeline.Message) (*Inbound, bool, error) {
	raw := msg.Raw()
	_, kind, ok := validation.ParseTopic(raw.Topic)
	if !ok {
		s.reject(msg, &validation.Error{Kind: validation.KindMalformed, Detail: "unrecognised topic"})
		return nil, true, nil
	}

	in := &Inbound{Kind: kind, ReceiveTime: raw.ReceiveTime}
	var err error
	switch kind {
	case validation.MessageData:
		in.Reading, err = s.validator.Validate(raw)
	case validation.MessageStatus:
		in.Status, err = s.validator.ValidateStatus(raw)
	case validation.MessageRegister:
		in.Registration, err = s.validator.ValidateRegistration(raw)
	}
	if err != nil {
		s.reject(msg, err)
		return nil, true, nil
	}

	s.metrics.IncValidated()
	if in.Reading != nil && len(in.Reading.Issues) > 0 {
		s.metrics.AddParametersInvalid(len(in.Reading.Issues))
		for _, issue := range in.Reading.Issues {
			s.logger.Warn().
				Str("device_id", in.Reading.DeviceID).
				Err(issue).
				Msg("Parameter out of range, marked invalid.")
		}
	}
	return in, false, nil
}

// reject writes the single structured rejection record for a message.
func (s *Service) reject(msg *messagepipeline.Message, err error) {
	reason := validation.KindOf(err)
	if reason == "" {
		reason = validation.KindMalformed
	}
	s.metrics.IncRejected(string(reason))
	deviceID, _, _ := validation.ParseTopic(msg.Topic)
	s.logger.Warn().
		Str("event", "reading_rejected").
		Str("reason", string(reason)).
		Str("topic", msg.Topic).
		Str("device_id", deviceID).
		Str("msg_id", msg.ID).
		Time("receive_time", msg.ReceiveTime).
		Err(err).
		Msg("Message rejected.")
}

// process hands accepted messages to the buffers and the liveness tracker.
func (s *Service) process(ctx context.Context, original messagepipeline.Message, in *Inbound) error {
	switch in.Kind {
	case validation.MessageData:
		r := in.Reading
		if err := s.enqueue(ctx, original.ID, r.DeviceID, r.OutputTopic, r); err != nil {
			return err
		}
		s.heartbeat(ctx, r.DeviceID, in.ReceiveTime)

	case validation.MessageStatus:
		st := in.Status
		source := types.SourceExplicit
		if st.LWT {
			source = types.SourceLWT
		}
		s.tracker.Observe(ctx, liveness.Event{DeviceID: st.DeviceID, State: st.State, At: st.Timestamp, Source: source})

	case validation.MessageRegister:
		reg := in.Registration
		if err := s.enqueue(ctx, original.ID, reg.DeviceID, types.TopicDeviceRegistration, reg); err != nil {
			return err
		}
		s.heartbeat(ctx, reg.DeviceID, in.ReceiveTime)
	}
	return nil
}

func (s *Service) heartbeat(ctx context.Context, deviceID string, at time.Time) {
	s.tracker.Observe(ctx, liveness.Event{
		DeviceID: deviceID,
		State:    types.StateOnline,
		At:       at,
		Source:   types.SourceHeartbeat,
	})
}

// emitStatus puts a liveness transition on the normal buffered publish path.
func (s *Service) emitStatus(ctx context.Context, status types.DeviceStatus) error {
	return s.enqueue(ctx, uuid.NewString(), status.DeviceID, types.TopicDeviceStatus, status)
}

func (s *Service) enqueue(ctx context.Context, id, deviceID, topic string, payload interface{}) error {
	if id == "" {
		id = uuid.NewString()
	}
	msg := types.OutboundMessage{
		ID:         id,
		DeviceID:   deviceID,
		Topic:      topic,
		Payload:    payload,
		EnqueuedAt: s.now(),
	}
	if err := s.scheduler.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to buffer message for %s: %w", topic, err)
	}
	return nil
}
