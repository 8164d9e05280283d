// Package deadletter archives outbound messages the bridge has given up on,
// so nothing it drops is lost without a trace.
package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the archive location.
type Config struct {
	BucketName   string `yaml:"bucket_name" env:"BUCKET_NAME"`
	ObjectPrefix string `yaml:"object_prefix" env:"OBJECT_PREFIX"`
}

// Record is one archived message, written as a JSON line.
type Record struct {
	MessageID  string      `json:"messageId"`
	DeviceID   string      `json:"deviceId"`
	Topic      string      `json:"topic"`
	Reason     string      `json:"reason"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
	ArchivedAt time.Time   `json:"archivedAt"`
	Payload    interface{} `json:"payload"`
}

// GCSArchive writes each dropped batch to its own gzip-compressed JSONL
// object under {prefix}/{topic}/{reason}/{yyyy}/{mm}/{dd}/{uuid}.jsonl.gz.
type GCSArchive struct {
	client GCSClient
	config Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewGCSArchive creates an archive writing to cfg.BucketName.
func NewGCSArchive(client GCSClient, cfg Config, logger zerolog.Logger) (*GCSArchive, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchive{
		client: client,
		config: cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "DeadLetterArchive").Logger(),
	}, nil
}

// ObjectName returns where a batch archived at t would be written.
func (a *GCSArchive) ObjectName(topic, reason string, t time.Time, id string) string {
	t = t.UTC()
	return path.Join(a.config.ObjectPrefix, topic, reason,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day()),
		id+".jsonl.gz")
}

// Archive uploads msgs as one object. It satisfies publisher.DeadLetterSink.
func (a *GCSArchive) Archive(ctx context.Context, topic, reason string, msgs []types.OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	archivedAt := a.now().UTC()
	objectName := a.ObjectName(topic, reason, archivedAt, uuid.NewString())

	writer := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, m := range msgs {
			rec := Record{
				MessageID:  m.ID,
				DeviceID:   m.DeviceID,
				Topic:      topic,
				Reason:     reason,
				EnqueuedAt: m.EnqueuedAt,
				ArchivedAt: archivedAt,
				Payload:    m.Payload,
			}
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for message %s: %w", m.ID, err)
				_ = gz.Close()
				return
			}
		}
		err = gz.Close()
	}()

	bytesWritten, copyErr := io.Copy(writer, pr)
	closeErr := writer.Close()
	if copyErr != nil {
		_ = pr.CloseWithError(copyErr)
		return fmt.Errorf("failed to stream dead-letter object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalise dead-letter object %s: %w", objectName, closeErr)
	}

	a.logger.Info().
		Str("object_name", objectName).
		Str("topic", topic).
		Str("reason", reason).
		Int("record_count", len(msgs)).
		Int64("bytes_written", bytesWritten).
		Msg("Archived dropped messages.")
	return nil
}
