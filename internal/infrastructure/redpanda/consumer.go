package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ConsumerConfig controls a consumer group member.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// FetchMaxWait bounds each poll when no records are available.
	FetchMaxWait time.Duration
}

// DefaultConsumerConfig returns settings for the safety worker group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:      []string{"localhost:9092"},
		GroupID:      "rx-safety-workers",
		Topics:       []string{TopicSafetyRequests},
		FetchMaxWait: 500 * time.Millisecond,
	}
}

// Message is one consumed record handed to the handler.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message. Returning an error leaves the offset
// uncommitted so the message is redelivered after a rebalance.
type Handler func(ctx context.Context, msg Message) error

// Consumer is a consumer group member with manual offset commits:
// an offset is committed only after the handler returns nil, so a
// crashed worker replays in-flight safety requests rather than
// dropping them.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}

	return &Consumer{client: client, handler: handler, logger: logger}, nil
}

// Run polls until ctx is cancelled. Handler failures are logged and the
// record is left uncommitted; processing continues with later records
// to avoid a single poison message stalling the whole partition set.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.logger.Error("fetch error",
					zap.String("topic", fe.Topic),
					zap.Int32("partition", fe.Partition),
					zap.Error(fe.Err))
			}
			continue
		}

		var processed []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			msg := Message{
				Topic:     rec.Topic,
				Partition: rec.Partition,
				Offset:    rec.Offset,
				Key:       rec.Key,
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
			}
			if err := c.handler(ctx, msg); err != nil {
				c.logger.Error("handler failed",
					zap.String("topic", rec.Topic),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				return
			}
			processed = append(processed, rec)
		})

		if len(processed) > 0 {
			c.client.MarkCommitRecords(processed...)
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
				c.logger.Error("offset commit failed", zap.Error(err))
			}
		}
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
