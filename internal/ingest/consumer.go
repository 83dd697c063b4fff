package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the part of *kafka.Writer the dead-letter path uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MinBytes        int
	MaxBytes        int
	MaxWait         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

// NewKafkaReader builds a consumer-group reader for the telemetry topic.
func NewKafkaReader(cfg ConsumerConfig) *kafka.Reader {
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		MaxWait:  cfg.MaxWait,
	})
}

// NewKafkaWriter builds the dead-letter writer, or returns nil when no
// dead-letter topic is configured.
func NewKafkaWriter(cfg ConsumerConfig) *kafka.Writer {
	if cfg.DeadLetterTopic == "" {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DeadLetterTopic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaConsumer applies telemetry envelopes from a topic. A message is
// committed once it is stored, rejected as invalid, or found to be a
// redelivered duplicate. Store failures are retried with backoff and then
// dead-lettered.
type KafkaConsumer struct {
	reader     MessageReader
	deadLetter MessageWriter
	service    *Service
	logger     *zap.Logger
	metrics    *metrics.Metrics

	maxRetries int
	backoff    time.Duration
}

func NewKafkaConsumer(reader MessageReader, deadLetter MessageWriter, service *Service, logger *zap.Logger, m *metrics.Metrics, cfg ConsumerConfig) *KafkaConsumer {
	c := &KafkaConsumer{
		reader:     reader,
		deadLetter: deadLetter,
		service:    service,
		logger:     logger,
		metrics:    m,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 200 * time.Millisecond
	}
	return c
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("telemetry consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("telemetry consumer stopped")
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
		c.reportLag(msg.Topic)
	}
}

// handle returns an error only when the message must not be committed.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.metrics.RecordReject("kafka", "decode")
		return c.deadLetterMessage(ctx, msg, fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		err = c.service.Apply(ctx, env)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrDuplicate), errors.Is(err, storage.ErrSessionClosed):
			c.logger.Debug("skipping redelivered record",
				zap.String("type", env.Type),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		case errors.Is(err, ErrInvalid), errors.Is(err, storage.ErrNotFound):
			return c.deadLetterMessage(ctx, msg, err)
		}
		c.logger.Warn("telemetry record failed, retrying",
			zap.String("type", env.Type),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return c.deadLetterMessage(ctx, msg, err)
}

func (c *KafkaConsumer) deadLetterMessage(ctx context.Context, msg kafka.Message, cause error) error {
	c.logger.Warn("dead-lettering telemetry record",
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause),
	)
	if c.deadLetter == nil {
		return nil
	}
	err := c.deadLetter.WriteMessages(ctx, kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)},
		),
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) reportLag(topic string) {
	if r, ok := c.reader.(interface{ Stats() kafka.ReaderStats }); ok {
		c.metrics.SetConsumerLag(topic, r.Stats().Lag)
	}
}

// Close closes the reader and the dead-letter writer.
func (c *KafkaConsumer) Close() error {
	err := c.reader.Close()
	if c.deadLetter != nil {
		if werr := c.deadLetter.Close(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
