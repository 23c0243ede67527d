package pantry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/jack-braga/kitchen-sync/internal/config"
)

// KafkaSink produces one message per record, keyed by record ID
type KafkaSink struct {
	producer     *kafka.Producer
	topic        string
	instanceID   string
	deliveryChan chan kafka.Event

	sent  atomic.Int64
	acked atomic.Int64
	// failed counts delivery failures; produce errors are returned to the caller
	failed atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	maxRetries  int
	baseBackoff time.Duration
}

// KafkaStats contains producer counters
type KafkaStats struct {
	Sent    int64 `json:"sent"`
	Acked   int64 `json:"acked"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// NewKafkaSink creates the producer and starts the delivery report handler
func NewKafkaSink(instanceID string, cfg config.KafkaConfig) (*KafkaSink, error) {
	if cfg.BootstrapServers == "" {
		return nil, fmt.Errorf("pantry: kafka bootstrap servers are required")
	}

	producerConfig := &kafka.ConfigMap{
		"bootstrap.servers":   cfg.BootstrapServers,
		"security.protocol":   cfg.SecurityProtocol,
		"acks":                cfg.Acks,
		"enable.idempotence":  true,
		"request.timeout.ms":  30000,
		"delivery.timeout.ms": 120000,
	}
	if cfg.CompressionType != "" {
		producerConfig.SetKey("compression.type", cfg.CompressionType)
	}
	if cfg.SASLMechanism != "" {
		producerConfig.SetKey("sasl.mechanism", cfg.SASLMechanism)
		producerConfig.SetKey("sasl.username", cfg.SASLUsername)
		producerConfig.SetKey("sasl.password", cfg.SASLPassword)
	}

	p, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("pantry: create kafka producer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &KafkaSink{
		producer:     p,
		topic:        cfg.Topic,
		instanceID:   instanceID,
		deliveryChan: make(chan kafka.Event, 1000),
		ctx:          ctx,
		cancel:       cancel,
		maxRetries:   5,
		baseBackoff:  100 * time.Millisecond,
	}

	k.wg.Add(1)
	go k.handleDeliveryReports()

	slog.Info("pantry: kafka producer initialized", "topic", cfg.Topic, "servers", cfg.BootstrapServers)
	return k, nil
}

func (k *KafkaSink) handleDeliveryReports() {
	defer k.wg.Done()

	for {
		select {
		case <-k.ctx.Done():
			return
		case e := <-k.deliveryChan:
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				k.failed.Add(1)
				slog.Error("pantry: kafka delivery failed",
					"error", m.TopicPartition.Error,
					"key", string(m.Key))
				continue
			}
			k.acked.Add(1)
			slog.Debug("pantry: kafka record delivered",
				"partition", m.TopicPartition.Partition,
				"offset", m.TopicPartition.Offset)
		}
	}
}

// Add queues one message per record. It returns once every record is
// queued; delivery is reported asynchronously.
func (k *KafkaSink) Add(ctx context.Context, records []Record) error {
	for _, r := range records {
		if err := k.send(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (k *KafkaSink) send(ctx context.Context, r Record) error {
	payload, err := r.ToJSON()
	if err != nil {
		return fmt.Errorf("pantry: serialize record: %w", err)
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.ID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "instance_id", Value: []byte(k.instanceID)},
			{Key: "category", Value: []byte(r.Category)},
			{Key: "source", Value: []byte(r.Source)},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= k.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := k.baseBackoff * time.Duration(1<<uint(attempt-1))
			slog.Debug("pantry: kafka produce retry", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := k.producer.Produce(message, k.deliveryChan)
		if err == nil {
			k.sent.Add(1)
			return nil
		}
		lastErr = err

		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) && !kafkaErr.IsRetriable() {
			return fmt.Errorf("pantry: non-retriable kafka error: %w", err)
		}
	}

	return fmt.Errorf("pantry: kafka produce failed after %d retries: %w", k.maxRetries, lastErr)
}

// Stats returns producer counters
func (k *KafkaSink) Stats() KafkaStats {
	sent, acked, failed := k.sent.Load(), k.acked.Load(), k.failed.Load()
	return KafkaStats{Sent: sent, Acked: acked, Failed: failed, Pending: sent - acked - failed}
}

// Close flushes queued messages and shuts the producer down
func (k *KafkaSink) Close(timeout time.Duration) {
	if remaining := k.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
		slog.Warn("pantry: kafka messages still queued after flush", "remaining", remaining)
	}
	k.cancel()
	k.wg.Wait()
	k.producer.Close()

	st := k.Stats()
	slog.Info("pantry: kafka producer closed", "sent", st.Sent, "acked", st.Acked, "failed", st.Failed)
}
