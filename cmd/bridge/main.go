// Command bridge runs the water-quality ingestion bridge: MQTT in, validated
// batches out to Pub/Sub.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-waterbridge/pkg/bridge"
	"github.com/illmade-knight/go-waterbridge/pkg/deadletter"
	"github.com/illmade-knight/go-waterbridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-waterbridge/pkg/metrics"
	"github.com/illmade-knight/go-waterbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "waterbridge").Logger()

	cfg, err := bridge.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration.")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info.")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Bridge terminated with error.")
	}
}

func run(cfg bridge.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()

	psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return err
	}
	defer psClient.Close()

	transport, err := messagepipeline.NewGooglePubsubTransport(ctx, cfg.PubSub, psClient, types.OutboundTopics, logger)
	if err != nil {
		return err
	}

	var fsClient *firestore.Client
	if cfg.Liveness.Store == bridge.StoreFirestore {
		projectID := cfg.Liveness.FirestoreProjectID
		if projectID == "" {
			projectID = cfg.PubSub.ProjectID
		}
		fsClient, err = firestore.NewClient(ctx, projectID)
		if err != nil {
			return err
		}
		defer fsClient.Close()
	}
	store, err := bridge.OpenLivenessStore(ctx, cfg.Liveness, fsClient, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := bridge.Dependencies{
		Transport:     transport,
		Metrics:       registry,
		LivenessStore: store,
	}

	if cfg.DeadLetter.BucketName != "" {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			return err
		}
		defer gcsClient.Close()
		archive, err := deadletter.NewGCSArchive(deadletter.NewGCSClientAdapter(gcsClient), cfg.DeadLetter, logger)
		if err != nil {
			return err
		}
		deps.DeadLetter = archive
	} else {
		logger.Warn().Msg("No dead-letter bucket configured; dropped batches are only logged.")
	}

	consumer, err := mqttconverter.NewMqttConsumer(&cfg.MQTT, logger, mqttconverter.WithRecorder(registry))
	if err != nil {
		return err
	}
	deps.Consumer = consumer

	svc, err := bridge.NewService(cfg, deps, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	// ShutdownGrace bounds the flush; the extra margin covers transport teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	stopErr := svc.Stop(shutdownCtx)
	if err := transport.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Pub/Sub transport did not stop cleanly.")
	}
	return stopErr
}
