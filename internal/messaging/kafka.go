// Package messaging provides the Kafka links between wsgate and the rest of
// the backend: remote circuit-breaker events in, recovery commands and audit
// events out.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/wsgate/internal/audit"
	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
	"github.com/bardlex/wsgate/pkg/retry"
)

// BreakerName is the name the Kafka circuit breaker reports to the monitor.
const BreakerName = "kafkaBus"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaClient wraps kafka-go with JSON payloads and per-topic writer pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]messageReader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
	newReader func(topic, groupID string) messageReader
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	cbConfig := &circuit.Config{
		Name:              BreakerName,
		MaxFailures:       5,
		DegradedThreshold: 2,
		SuccessRequired:   2,
		Timeout:           15 * time.Second,
		ResetTimeout:      60 * time.Second,
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]messageWriter),
		readers:        make(map[string]messageReader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.PublishConfig(),
	}
	k.newWriter = k.dialWriter
	k.newReader = k.dialReader
	return k
}

// Breaker returns the breaker guarding Kafka calls.
func (k *KafkaClient) Breaker() *circuit.Breaker {
	return k.circuitBreaker
}

func (k *KafkaClient) dialWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

func (k *KafkaClient) dialReader(topic, groupID string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})
}

// producer gets or creates the writer of a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// consumer gets or creates the reader of a topic and group
func (k *KafkaClient) consumer(topic, groupID string) messageReader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}
	reader := k.newReader(topic, groupID)
	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishJSON marshals v and publishes it under key, behind the breaker and
// with retries.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_json",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishRecover sends a recovery command to the owner of a remote service.
func (k *KafkaClient) PublishRecover(ctx context.Context, cmd RecoverCommand) error {
	return k.PublishJSON(ctx, TopicCommands, cmd.Service, cmd)
}

// PublishAudit mirrors an audit entry onto the audit topic.
func (k *KafkaClient) PublishAudit(ctx context.Context, entry audit.Entry) error {
	return k.PublishJSON(ctx, TopicAudit, entry.Service, entry)
}

// CircuitEventHandler handles one decoded circuit event.
type CircuitEventHandler func(ctx context.Context, ev CircuitEvent) error

// ConsumeCircuitEvents reads remote circuit events until ctx is cancelled.
// Malformed events are logged and skipped.
func (k *KafkaClient) ConsumeCircuitEvents(ctx context.Context, groupID string, handler CircuitEventHandler) error {
	return k.consume(ctx, TopicCircuitEvents, groupID, func(ctx context.Context, msg kafka.Message) error {
		var ev CircuitEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
				"failed to unmarshal circuit event").
				WithContext("topic", msg.Topic).
				WithContext("message_size", len(msg.Value))
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		return handler(ctx, ev)
	})
}

// consume runs a consumer loop for a topic
func (k *KafkaClient) consume(ctx context.Context, topic, groupID string, handle func(context.Context, kafka.Message) error) error {
	reader := k.consumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			return m, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("failed to consume message", "topic", topic, "error", err)
			if circuit.IsOpen(err) {
				k.pause(ctx, time.Second)
			}
			continue
		}

		if err := handle(ctx, msg); err != nil {
			k.logger.Error("failed to handle message", "topic", topic, "key", string(msg.Key), "error", err)
		}
	}
}

func (k *KafkaClient) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]messageReader)
	return lastErr
}
