package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ProducerConfig controls the Kafka client used to publish engine events.
type ProducerConfig struct {
	Brokers []string
	// ClientID identifies this producer in broker logs and quotas.
	ClientID string
	// LingerMs batches small lifecycle events before flushing a produce
	// request. Clinical event volume is bursty (morning refill runs), so
	// a short linger trades a few milliseconds for far fewer requests.
	LingerMs int
	// BatchMaxBytes caps a single produce batch.
	BatchMaxBytes int32
	// RequestTimeout bounds each produce round trip.
	RequestTimeout time.Duration
}

// DefaultProducerConfig returns settings suitable for the ordering API
// and the audit relay.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "rx-engine",
		LingerMs:       5,
		BatchMaxBytes:  1 << 20,
		RequestTimeout: 10 * time.Second,
	}
}

// Producer publishes event envelopes to Redpanda. Records are keyed by
// prescription ID so every event for one record lands on one partition.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
}

// NewProducer connects a producer client. The caller owns Close.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerLinger(time.Duration(cfg.LingerMs) * time.Millisecond),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProduceRequestTimeout(cfg.RequestTimeout),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		// Idempotent produce is on by default in franz-go; require acks
		// from all replicas so an audit event is never lost to a broker
		// failover.
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

// Produce publishes one record and waits for the broker acknowledgement.
// The audit relay uses this path: the outbox row is only marked processed
// after the ack comes back.
func (p *Producer) Produce(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}
	return nil
}

// ProduceAsync publishes without waiting. Failures are logged; callers
// that need delivery guarantees should use Produce through the outbox.
func (p *Producer) ProduceAsync(ctx context.Context, topic, key string, value []byte) {
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("async produce failed",
				zap.String("topic", r.Topic),
				zap.String("key", string(r.Key)),
				zap.Error(err))
		}
	})
}

// Flush drains buffered records, bounded by ctx.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes with a short deadline and releases the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}
