package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/events"
)

// outboxLockID is the advisory lock shared by relay instances so only one
// drains the table at a time.
const outboxLockID = int64(740031)

// OutboxEntry is one event awaiting publication to the audit stream.
type OutboxEntry struct {
	ID             int64
	PrescriptionID string
	EventType      string
	Payload        json.RawMessage
	Topic          string
	Key            string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	RetryCount     int
	LastError      *string
}

// Publisher publishes drained outbox entries to the event stream.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxConfig holds relay tuning.
type OutboxConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultOutboxConfig returns relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "rx.dead.letter",
	}
}

// Outbox persists domain events alongside state changes and relays them to
// the audit stream.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox processor.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Enqueue implements events.Sink: the event is inserted and later relayed.
func (o *Outbox) Enqueue(ctx context.Context, env *events.Envelope, topic string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = o.pool.Exec(ctx, `
		INSERT INTO outbox (prescription_id, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5)
	`, env.PrescriptionID, env.Type, payload, topic, env.PrescriptionID)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// Start begins polling for unprocessed entries.
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops polling and waits for the loop to exit.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drainBatch()
		}
	}
}

func (o *Outbox) drainBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_drain_batch")
	defer span.End()

	var acquired bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxLockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relay(ctx, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, prescription_id, event_type, payload, topic, key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.PrescriptionID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) relay(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		if _, updateErr := o.pool.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2
		`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to record relay error", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = now() WHERE id = $1`, entry.ID,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and marks them processed so they stop blocking the
// queue.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	entries, err := o.fetchExhausted(ctx)
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, entry := range entries {
		payload, _ := json.Marshal(map[string]interface{}{
			"original_topic":  entry.Topic,
			"event_type":      entry.EventType,
			"prescription_id": entry.PrescriptionID,
			"payload":         entry.Payload,
			"retry_count":     entry.RetryCount,
			"last_error":      entry.LastError,
			"created_at":      entry.CreatedAt,
		})
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx,
			`UPDATE outbox SET processed_at = now() WHERE id = $1`, entry.ID,
		); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

func (o *Outbox) fetchExhausted(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, prescription_id, event_type, payload, topic, key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("query exhausted entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.PrescriptionID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PendingCount reports the number of unprocessed entries, for metrics and
// readiness checks.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := o.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE processed_at IS NULL`,
	).Scan(&count)
	return count, err
}
