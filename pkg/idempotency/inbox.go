// Package idempotency deduplicates externally originated requests, chiefly
// pharmacy refill requests that networks may deliver more than once. A
// duplicate delivery returns the first outcome instead of decrementing the
// refill counter twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrInProgress indicates another handler currently owns the request.
var ErrInProgress = errors.New("request in progress by another handler")

// Entry is one inbox row.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config holds inbox tuning.
type Config struct {
	// RecoveryTimeout is when a STARTED entry is considered orphaned by a
	// crashed handler and eligible for reprocessing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns inbox defaults.
func DefaultConfig() Config {
	return Config{RecoveryTimeout: 5 * time.Minute}
}

// db is the slice of pgxpool.Pool the inbox uses.
type db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Inbox provides exactly-once request processing backed by Postgres.
type Inbox struct {
	db     db
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates an inbox.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{db: pool, config: cfg, logger: logger, tracer: otel.Tracer("inbox")}
}

// ProcessFunc is an idempotent handler body.
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Outcome reports how a Process call resolved.
type Outcome struct {
	Duplicate bool
	Result    json.RawMessage
}

// Process executes fn at most once for the given key. A finished key
// returns the stored result; an orphaned STARTED key past the recovery
// timeout is retried.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("request previously failed permanently: %s", key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Orphaned by a crashed handler; fall through and retry.
		case StatusRecoverable:
		}
	}

	claimed, err := i.claim(ctx, key, handler, payload)
	if err != nil {
		return nil, fmt.Errorf("inbox claim: %w", err)
	}
	if !claimed {
		// Lost the claim race: a concurrent delivery of the same key got
		// there first. That winner either finished already or still holds
		// the key.
		if entry, err := i.get(ctx, key); err == nil && entry.Status == StatusFinished {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Duplicate: true, Result: entry.Result}, nil
		}
		return nil, ErrInProgress
	}

	result, err := fn(ctx, payload)
	if err != nil {
		if markErr := i.mark(ctx, key, StatusRecoverable, nil, err.Error()); markErr != nil {
			i.logger.Error("failed to mark inbox entry recoverable", zap.Error(markErr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.mark(ctx, key, StatusFinished, result, ""); err != nil {
		// The handler succeeded; losing the marker only risks a benign retry.
		i.logger.Error("failed to mark inbox entry finished", zap.Error(err))
	}
	return &Outcome{Result: result}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	row := i.db.QueryRow(ctx, `
		SELECT idempotency_key, handler, status, payload, result, created_at, updated_at
		FROM request_inbox WHERE idempotency_key = $1
	`, key)

	e := &Entry{}
	err := row.Scan(&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim atomically takes ownership of the key. The upsert only overwrites an
// existing row when it is RECOVERABLE or orphaned past the recovery timeout,
// so exactly one of N concurrent callers wins; the losers see no returned row.
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) (bool, error) {
	cutoff := time.Now().UTC().Add(-i.config.RecoveryTimeout)
	var claimed string
	err := i.db.QueryRow(ctx, `
		INSERT INTO request_inbox (idempotency_key, handler, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, handler = $2, updated_at = now()
		WHERE request_inbox.status = 'RECOVERABLE'
		   OR (request_inbox.status = 'STARTED' AND request_inbox.updated_at < $5)
		RETURNING idempotency_key
	`, key, handler, StatusStarted, payload, cutoff).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage, lastError string) error {
	_, err := i.db.Exec(ctx, `
		UPDATE request_inbox
		SET status = $2, result = $3, last_error = NULLIF($4, ''), updated_at = now()
		WHERE idempotency_key = $1
	`, key, status, result, lastError)
	return err
}

// GenerateKey derives a deterministic idempotency key for a refill request.
// The date component collapses same-day redeliveries while letting a genuine
// next-cycle request through.
func GenerateKey(prescriptionID, pharmacyNCPDPID string, requestedAt time.Time) string {
	input := strings.Join([]string{
		prescriptionID,
		pharmacyNCPDPID,
		requestedAt.UTC().Format("2006-01-02"),
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
