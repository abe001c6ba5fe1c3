package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error { return r.scan(dest...) }

// stubDB scripts the lookup and claim responses the inbox sees, in order.
type stubDB struct {
	gets   []func(dest ...any) error
	claims []func(dest ...any) error
	execs  int
}

func (d *stubDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if strings.Contains(sql, "INSERT INTO request_inbox") {
		return stubRow{scan: d.pop(&d.claims)}
	}
	return stubRow{scan: d.pop(&d.gets)}
}

func (d *stubDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	d.execs++
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *stubDB) pop(fns *[]func(dest ...any) error) func(dest ...any) error {
	queued := *fns
	if len(queued) == 0 {
		return func(...any) error { return pgx.ErrNoRows }
	}
	fn := queued[0]
	*fns = queued[1:]
	return fn
}

func noRow(...any) error { return pgx.ErrNoRows }

func claimWon(dest ...any) error {
	*dest[0].(*string) = "claimed"
	return nil
}

func entryRow(e Entry) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = e.Key
		*dest[1].(*string) = e.Handler
		*dest[2].(*Status) = e.Status
		*dest[3].(*json.RawMessage) = e.Payload
		*dest[4].(*json.RawMessage) = e.Result
		*dest[5].(*time.Time) = e.CreatedAt
		*dest[6].(*time.Time) = e.UpdatedAt
		return nil
	}
}

func newTestInbox(d *stubDB) *Inbox {
	return &Inbox{
		db:     d,
		config: DefaultConfig(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("inbox-test"),
	}
}

func TestProcessNewKeyRunsOnce(t *testing.T) {
	db := &stubDB{
		gets:   []func(dest ...any) error{noRow},
		claims: []func(dest ...any) error{claimWon},
	}
	inbox := newTestInbox(db)

	var calls int
	outcome, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`{"ok":true}`), nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, outcome.Duplicate)
	assert.JSONEq(t, `{"ok":true}`, string(outcome.Result))
}

func TestProcessFinishedKeyReplaysStoredResult(t *testing.T) {
	db := &stubDB{
		gets: []func(dest ...any) error{entryRow(Entry{
			Key:       "key-1",
			Status:    StatusFinished,
			Result:    json.RawMessage(`{"refill":1}`),
			UpdatedAt: time.Now(),
		})},
	}
	inbox := newTestInbox(db)

	outcome, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not run for a finished key")
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.JSONEq(t, `{"refill":1}`, string(outcome.Result))
}

func TestProcessConcurrentClaimLoserDoesNotRun(t *testing.T) {
	// Both deliveries pass the lookup before either row exists; the
	// conditional upsert returns a row to exactly one of them. The loser's
	// re-read sees the winner still holding the key.
	db := &stubDB{
		gets: []func(dest ...any) error{
			noRow,
			entryRow(Entry{Key: "key-1", Status: StatusStarted, UpdatedAt: time.Now()}),
		},
		claims: []func(dest ...any) error{noRow},
	}
	inbox := newTestInbox(db)

	var calls int
	outcome, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, nil
		})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.Nil(t, outcome)
	assert.Zero(t, calls, "losing the claim must not execute the handler")
}

func TestProcessConcurrentClaimLoserGetsWinnersResult(t *testing.T) {
	// The loser's re-read may land after the winner finished; it then
	// replays the winner's outcome instead of failing.
	db := &stubDB{
		gets: []func(dest ...any) error{
			noRow,
			entryRow(Entry{
				Key:       "key-1",
				Status:    StatusFinished,
				Result:    json.RawMessage(`{"refill":2}`),
				UpdatedAt: time.Now(),
			}),
		},
		claims: []func(dest ...any) error{noRow},
	}
	inbox := newTestInbox(db)

	outcome, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not run after losing the claim")
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
	assert.JSONEq(t, `{"refill":2}`, string(outcome.Result))
}

func TestProcessRecentStartedKeyIsInProgress(t *testing.T) {
	db := &stubDB{
		gets: []func(dest ...any) error{entryRow(Entry{
			Key:       "key-1",
			Status:    StatusStarted,
			UpdatedAt: time.Now(),
		})},
	}
	inbox := newTestInbox(db)

	_, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not run while another holds the key")
			return nil, nil
		})
	assert.ErrorIs(t, err, ErrInProgress)
}

func TestProcessHandlerErrorMarksRecoverable(t *testing.T) {
	db := &stubDB{
		gets:   []func(dest ...any) error{noRow},
		claims: []func(dest ...any) error{claimWon},
	}
	inbox := newTestInbox(db)

	boom := errors.New("pharmacy gateway down")
	_, err := inbox.Process(context.Background(), "key-1", "refill-request", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, boom
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, db.execs, "failure is recorded for a later retry")
}

func TestGenerateKeyCollapsesSameDayRedelivery(t *testing.T) {
	morning := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 4, 21, 30, 0, 0, time.UTC)
	nextDay := morning.AddDate(0, 0, 1)

	assert.Equal(t,
		GenerateKey("rx-1", "ncpdp-9", morning),
		GenerateKey("rx-1", "ncpdp-9", evening))
	assert.NotEqual(t,
		GenerateKey("rx-1", "ncpdp-9", morning),
		GenerateKey("rx-1", "ncpdp-9", nextDay))
	assert.NotEqual(t,
		GenerateKey("rx-1", "ncpdp-9", morning),
		GenerateKey("rx-2", "ncpdp-9", morning))
}
