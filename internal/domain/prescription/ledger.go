package prescription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository is the persistence contract the ledger and API depend on.
// Implementations hand out deep copies and serialize writes per record.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error

	// DecrementRefills atomically decrements refills_remaining when the
	// record is active with refills left, assigns the refill's sequential
	// number, and appends it, all as one unit. Concurrent calls against the
	// same record observe exactly one success per remaining refill. Returns
	// ErrNoRefillsRemaining when the counter is already zero and ErrNotFound
	// when the record does not exist.
	DecrementRefills(ctx context.Context, id string, refill *RefillRecord) (*Record, error)

	ListActiveByPatient(ctx context.Context, patientID string) ([]*Record, error)
}

// RefillRequest asks for one refill of an existing prescription.
type RefillRequest struct {
	PrescriptionID  string  `json:"prescription_id"`
	PharmacyNCPDPID string  `json:"pharmacy_ncpdp_id,omitempty"`
	Quantity        float64 `json:"quantity,omitempty"`
	Notes           string  `json:"notes,omitempty"`
}

// RenewChanges carries optional field overrides for a renewal. Nil fields
// keep the original's values.
type RenewChanges struct {
	Refills                *int     `json:"refills,omitempty"`
	Quantity               *float64 `json:"quantity,omitempty"`
	DaysSupply             *int     `json:"days_supply,omitempty"`
	Dose                   *float64 `json:"dose,omitempty"`
	FrequencyDisplay       *string  `json:"frequency_display,omitempty"`
	AdditionalInstructions *string  `json:"additional_instructions,omitempty"`
	PharmacyNCPDPID        *string  `json:"pharmacy_ncpdp_id,omitempty"`
}

// Ledger tracks refills and chains renewals. It owns the refill counter: no
// other component decrements RefillsRemaining.
type Ledger struct {
	repo   Repository
	policy Policy
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewLedger creates a refill ledger over the given repository.
func NewLedger(repo Repository, policy Policy, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:   repo,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("refill-ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RequestRefill processes one refill request. The decrement is an atomic
// read-modify-write scoped to the single record, so two concurrent requests
// against one remaining refill yield exactly one success.
func (l *Ledger) RequestRefill(ctx context.Context, req RefillRequest) (*Record, *RefillRecord, error) {
	ctx, span := l.tracer.Start(ctx, "request_refill",
		trace.WithAttributes(attribute.String("prescription_id", req.PrescriptionID)))
	defer span.End()

	rec, err := l.repo.Get(ctx, req.PrescriptionID)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != StatusActive {
		return nil, nil, ErrNoRefillsRemaining
	}

	pharmacy := req.PharmacyNCPDPID
	if pharmacy == "" {
		pharmacy = rec.Dispense.PharmacyNCPDPID
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = rec.Dispense.Quantity
	}

	refill := &RefillRecord{
		ID:              uuid.New().String(),
		PrescriptionID:  rec.ID,
		PharmacyNCPDPID: pharmacy,
		Quantity:        quantity,
		Notes:           req.Notes,
		Status:          RefillRequested,
		RequestedAt:     l.now(),
	}

	updated, err := l.repo.DecrementRefills(ctx, rec.ID, refill)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	l.logger.Info("refill requested",
		zap.String("prescription_id", rec.ID),
		zap.Int("refill_number", refill.RefillNumber),
		zap.Int("refills_remaining", updated.Dispense.RefillsRemaining),
		zap.String("pharmacy_ncpdp_id", pharmacy),
	)
	return updated, refill, nil
}

// Renew produces a new draft prescription continuing therapy from the
// original. The source record is never mutated: renewal copies the
// medication, dosage, and dispense blocks, applies any overrides, clears
// transmission and refill state, and starts the new record in draft.
func (l *Ledger) Renew(ctx context.Context, prescriptionID string, changes *RenewChanges) (*Record, error) {
	ctx, span := l.tracer.Start(ctx, "renew_prescription",
		trace.WithAttributes(attribute.String("prescription_id", prescriptionID)))
	defer span.End()

	orig, err := l.repo.Get(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	renewed := &Record{
		ID:                  uuid.New().String(),
		Status:              StatusDraft,
		Intent:              orig.Intent,
		Priority:            orig.Priority,
		PatientID:           orig.PatientID,
		PrescriberNPI:       orig.PrescriberNPI,
		Medication:          orig.Medication,
		Dosage:              orig.Dosage,
		Dispense:            orig.Dispense,
		PriorPrescriptionID: orig.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if orig.PriorAuth != nil {
		pa := *orig.PriorAuth
		pa.Status = ""
		pa.Reference = ""
		renewed.PriorAuth = &pa
	}

	// Default to the original's count, clamped to policy. A renewal of a
	// Schedule II record therefore always starts at zero refills.
	refills := orig.Dispense.Refills
	if max := l.policy.MaxRefills(renewed.Medication); refills > max {
		refills = max
	}

	if changes != nil {
		if changes.Refills != nil {
			if err := l.policy.ValidateRefills(renewed.Medication, *changes.Refills); err != nil {
				span.RecordError(err)
				return nil, err
			}
			refills = *changes.Refills
		}
		if changes.Quantity != nil {
			renewed.Dispense.Quantity = *changes.Quantity
		}
		if changes.DaysSupply != nil {
			renewed.Dispense.DaysSupply = *changes.DaysSupply
		}
		if changes.Dose != nil {
			renewed.Dosage.Dose = *changes.Dose
		}
		if changes.FrequencyDisplay != nil {
			renewed.Dosage.FrequencyDisplay = *changes.FrequencyDisplay
		}
		if changes.AdditionalInstructions != nil {
			renewed.Dosage.AdditionalInstructions = *changes.AdditionalInstructions
		}
		if changes.PharmacyNCPDPID != nil {
			renewed.Dispense.PharmacyNCPDPID = *changes.PharmacyNCPDPID
		}
	}

	renewed.Dispense.Refills = refills
	renewed.Dispense.RefillsRemaining = refills
	renewed.Dosage.Text = GenerateSig(SigInputFromDosage(renewed.Dosage, renewed.Medication))

	if err := l.repo.Create(ctx, renewed); err != nil {
		return nil, fmt.Errorf("create renewal: %w", err)
	}

	l.logger.Info("prescription renewed",
		zap.String("original_id", orig.ID),
		zap.String("renewal_id", renewed.ID),
		zap.Int("refills", refills),
		zap.Bool("controlled", renewed.Medication.IsControlled),
	)
	return renewed, nil
}
