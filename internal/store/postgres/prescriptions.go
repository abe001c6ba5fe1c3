// Package postgres provides the pgx-backed prescription repository and the
// transactional outbox feeding the audit stream.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

// Repository persists prescription records, their history, and their refill
// records.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a prescription repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger, tracer: otel.Tracer("prescription-repository")}
}

// Create inserts a new record with its initial history.
func (r *Repository) Create(ctx context.Context, rec *prescription.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	for _, h := range rec.History {
		if err := insertHistory(ctx, tx, rec.ID, h); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) insertRecord(ctx context.Context, tx pgx.Tx, rec *prescription.Record) error {
	medication, dosage, dispense, priorAuth, transmission, err := marshalBlocks(rec)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions
		(id, status, intent, priority, patient_id, prescriber_npi,
		 medication, dosage, dispense, prior_auth, transmission,
		 prior_prescription_id, override_reason,
		 authored_on, valid_from, discontinued_at, discontinued_reason,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		rec.ID, rec.Status, rec.Intent, rec.Priority, rec.PatientID, rec.PrescriberNPI,
		medication, dosage, dispense, priorAuth, transmission,
		nullable(rec.PriorPrescriptionID), nullable(rec.OverrideReason),
		nullableTime(rec.AuthoredOn), nullableTime(rec.ValidFrom),
		rec.DiscontinuedAt, nullable(rec.DiscontinuedReason),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// Get loads a record with its full history and refill records.
func (r *Repository) Get(ctx context.Context, id string) (*prescription.Record, error) {
	ctx, span := r.tracer.Start(ctx, "load_prescription",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	rec, err := r.scanRecord(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadHistory(ctx, rec); err != nil {
		return nil, err
	}
	if err := r.loadRefills(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) scanRecord(ctx context.Context, q rowQuerier, id string) (*prescription.Record, error) {
	row := q.QueryRow(ctx, `
		SELECT id, status, intent, priority, patient_id, prescriber_npi,
		       medication, dosage, dispense, prior_auth, transmission,
		       COALESCE(prior_prescription_id, ''), COALESCE(override_reason, ''),
		       authored_on, valid_from,
		       discontinued_at, COALESCE(discontinued_reason, ''),
		       created_at, updated_at
		FROM prescriptions WHERE id = $1
	`, id)

	rec := &prescription.Record{}
	var medication, dosage, dispense []byte
	var priorAuth, transmission []byte
	var authoredOn, validFrom *time.Time
	err := row.Scan(
		&rec.ID, &rec.Status, &rec.Intent, &rec.Priority, &rec.PatientID, &rec.PrescriberNPI,
		&medication, &dosage, &dispense, &priorAuth, &transmission,
		&rec.PriorPrescriptionID, &rec.OverrideReason,
		&authoredOn, &validFrom,
		&rec.DiscontinuedAt, &rec.DiscontinuedReason,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	if authoredOn != nil {
		rec.AuthoredOn = *authoredOn
	}
	if validFrom != nil {
		rec.ValidFrom = *validFrom
	}

	if err := unmarshalBlocks(rec, medication, dosage, dispense, priorAuth, transmission); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) loadHistory(ctx context.Context, rec *prescription.Record) error {
	rows, err := r.pool.Query(ctx, `
		SELECT from_status, to_status, COALESCE(actor,''), COALESCE(reason,''), at
		FROM prescription_history
		WHERE prescription_id = $1
		ORDER BY at ASC, seq ASC
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h prescription.HistoryEntry
		if err := rows.Scan(&h.From, &h.To, &h.Actor, &h.Reason, &h.At); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		rec.History = append(rec.History, h)
	}
	return rows.Err()
}

func (r *Repository) loadRefills(ctx context.Context, rec *prescription.Record) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, refill_number, COALESCE(pharmacy_ncpdp_id,''), quantity,
		       COALESCE(notes,''), status, requested_at, filled_at
		FROM prescription_refills
		WHERE prescription_id = $1
		ORDER BY refill_number ASC
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("query refills: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rr := prescription.RefillRecord{PrescriptionID: rec.ID}
		if err := rows.Scan(&rr.ID, &rr.RefillNumber, &rr.PharmacyNCPDPID, &rr.Quantity,
			&rr.Notes, &rr.Status, &rr.RequestedAt, &rr.FilledAt); err != nil {
			return fmt.Errorf("scan refill: %w", err)
		}
		rec.RefillHistory = append(rec.RefillHistory, rr)
	}
	return rows.Err()
}

// Update rewrites the record's mutable columns and appends any history
// entries not yet persisted.
func (r *Repository) Update(ctx context.Context, rec *prescription.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	medication, dosage, dispense, priorAuth, transmission, err := marshalBlocks(rec)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions SET
			status = $2, intent = $3, priority = $4,
			medication = $5, dosage = $6, dispense = $7,
			prior_auth = $8, transmission = $9,
			override_reason = NULLIF($10, ''),
			authored_on = $11, valid_from = $12,
			discontinued_at = $13, discontinued_reason = NULLIF($14, ''),
			updated_at = $15
		WHERE id = $1
	`,
		rec.ID, rec.Status, rec.Intent, rec.Priority,
		medication, dosage, dispense, priorAuth, transmission,
		rec.OverrideReason,
		nullableTime(rec.AuthoredOn), nullableTime(rec.ValidFrom),
		rec.DiscontinuedAt, rec.DiscontinuedReason,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return prescription.ErrNotFound
	}

	// History is append-only: persist entries past the stored count.
	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM prescription_history WHERE prescription_id = $1`, rec.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	for i := stored; i < len(rec.History); i++ {
		if err := insertHistory(ctx, tx, rec.ID, rec.History[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DecrementRefills performs the conditional refill decrement and appends the
// refill record in one transaction. The row lock serializes concurrent
// requests so two callers can never both observe the last remaining refill.
func (r *Repository) DecrementRefills(ctx context.Context, id string, refill *prescription.RefillRecord) (*prescription.Record, error) {
	ctx, span := r.tracer.Start(ctx, "decrement_refills",
		trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status prescription.Status
	var dispenseRaw []byte
	err = tx.QueryRow(ctx,
		`SELECT status, dispense FROM prescriptions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &dispenseRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}

	var dispense prescription.Dispense
	if err := json.Unmarshal(dispenseRaw, &dispense); err != nil {
		return nil, fmt.Errorf("unmarshal dispense: %w", err)
	}
	if status != prescription.StatusActive || dispense.RefillsRemaining <= 0 {
		return nil, prescription.ErrNoRefillsRemaining
	}
	dispense.RefillsRemaining--

	var priorCount int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM prescription_refills WHERE prescription_id = $1`, id,
	).Scan(&priorCount); err != nil {
		return nil, fmt.Errorf("count refills: %w", err)
	}
	refill.RefillNumber = priorCount + 1

	updatedDispense, err := json.Marshal(dispense)
	if err != nil {
		return nil, fmt.Errorf("marshal dispense: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE prescriptions SET dispense = $2, updated_at = now() WHERE id = $1`,
		id, updatedDispense,
	); err != nil {
		return nil, fmt.Errorf("update dispense: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO prescription_refills
		(id, prescription_id, refill_number, pharmacy_ncpdp_id, quantity, notes, status, requested_at, filled_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),$7,$8,$9)
	`, refill.ID, id, refill.RefillNumber, refill.PharmacyNCPDPID,
		refill.Quantity, refill.Notes, refill.Status, refill.RequestedAt, refill.FilledAt,
	); err != nil {
		return nil, fmt.Errorf("insert refill: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return r.Get(ctx, id)
}

// ListActiveByPatient returns the patient's active prescriptions.
func (r *Repository) ListActiveByPatient(ctx context.Context, patientID string) ([]*prescription.Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM prescriptions WHERE patient_id = $1 AND status = $2 ORDER BY created_at ASC`,
		patientID, prescription.StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("query active prescriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]*prescription.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetActivePrescriptions implements the safety pipeline's medication list
// source.
func (r *Repository) GetActivePrescriptions(ctx context.Context, patientID string) ([]*prescription.Record, error) {
	return r.ListActiveByPatient(ctx, patientID)
}

func insertHistory(ctx context.Context, tx pgx.Tx, prescriptionID string, h prescription.HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prescription_history (prescription_id, from_status, to_status, actor, reason, at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6)
	`, prescriptionID, h.From, h.To, h.Actor, h.Reason, h.At)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func marshalBlocks(rec *prescription.Record) (medication, dosage, dispense, priorAuth, transmission []byte, err error) {
	if medication, err = json.Marshal(rec.Medication); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal medication: %w", err)
	}
	if dosage, err = json.Marshal(rec.Dosage); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal dosage: %w", err)
	}
	if dispense, err = json.Marshal(rec.Dispense); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal dispense: %w", err)
	}
	if rec.PriorAuth != nil {
		if priorAuth, err = json.Marshal(rec.PriorAuth); err != nil {
			return nil, nil, nil, nil, nil, fmt.Errorf("marshal prior auth: %w", err)
		}
	}
	if transmission, err = json.Marshal(rec.Transmission); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal transmission: %w", err)
	}
	return medication, dosage, dispense, priorAuth, transmission, nil
}

func unmarshalBlocks(rec *prescription.Record, medication, dosage, dispense, priorAuth, transmission []byte) error {
	if err := json.Unmarshal(medication, &rec.Medication); err != nil {
		return fmt.Errorf("unmarshal medication: %w", err)
	}
	if err := json.Unmarshal(dosage, &rec.Dosage); err != nil {
		return fmt.Errorf("unmarshal dosage: %w", err)
	}
	if err := json.Unmarshal(dispense, &rec.Dispense); err != nil {
		return fmt.Errorf("unmarshal dispense: %w", err)
	}
	if len(priorAuth) > 0 {
		rec.PriorAuth = &prescription.PriorAuth{}
		if err := json.Unmarshal(priorAuth, rec.PriorAuth); err != nil {
			return fmt.Errorf("unmarshal prior auth: %w", err)
		}
	}
	if len(transmission) > 0 {
		if err := json.Unmarshal(transmission, &rec.Transmission); err != nil {
			return fmt.Errorf("unmarshal transmission: %w", err)
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
