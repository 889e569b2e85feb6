package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/raulstechtips/stock-etl/internal/config"
)

const (
	defaultConsumerGroup = "stock-etl-workers"
	writeTimeout         = 10 * time.Second
	commitInterval       = 0 // synchronous commits: at-least-once with idempotent handlers
)

// KafkaConfig holds broker connection configuration.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// LoadKafkaConfig loads broker configuration from environment variables.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		ConsumerGroup: config.GetEnvStr("KAFKA_CONSUMER_GROUP", defaultConsumerGroup),
	}
}

// KafkaQueue implements Queue over Kafka topics.
//
// Messages are keyed by ticker so one ticker's tasks stay ordered within a
// partition. The transform topic must be created with a single partition:
// together with its single consumer that serializes all writes to the
// versioned table.
type KafkaQueue struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ Queue = (*KafkaQueue)(nil)

// NewKafkaQueue creates a Kafka-backed producer.
func NewKafkaQueue(cfg *KafkaConfig, logger *slog.Logger) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireAll,
	}

	return &KafkaQueue{writer: writer, logger: logger}
}

// Enqueue produces a task onto the topic.
func (q *KafkaQueue) Enqueue(ctx context.Context, topic string, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: encoding task: %v", ErrEnqueueFailed, err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   []byte(task.Ticker),
		Value: payload,
	}

	if err := q.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrEnqueueFailed, topic, err)
	}

	q.logger.Debug("Enqueued task",
		slog.String("topic", topic),
		slog.String("task_type", string(task.Type)),
		slog.String("ticker", task.Ticker),
	)

	return nil
}

// Close flushes and closes the producer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// Consumer drains one topic with one reader, running each task through the
// retry policy before committing its offset.
//
// Offsets commit only after the task resolves (success, non-retryable
// failure, or exhausted retries), giving at-least-once delivery; the
// workers' idempotency guards make redelivery safe.
type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	policy  RetryPolicy
	logger  *slog.Logger
}

// NewConsumer creates a consumer for one topic.
func NewConsumer(cfg *KafkaConfig, topic string, handler Handler, policy RetryPolicy, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          topic,
		CommitInterval: commitInterval,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		policy:  policy,
		logger:  logger,
	}
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		var task Task

		if err := json.Unmarshal(message.Value, &task); err != nil {
			c.logger.Error("Dropping undecodable task message",
				slog.String("topic", message.Topic),
				slog.Int64("offset", message.Offset),
				slog.String("error", err.Error()),
			)
		} else {
			// The policy owns retries; errors surface in logs, not here.
			_ = c.policy.Execute(ctx, c.logger, task, c.handler)
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
