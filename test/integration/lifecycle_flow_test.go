// Package integration exercises the full prescription flow: draft, safety
// evaluation, activation, refills to exhaustion, completion, and renewal.
package integration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/rx-engine/internal/domain/prescription"
	"github.com/careloop/rx-engine/internal/safety"
	"github.com/careloop/rx-engine/internal/store/memory"
)

type staticAllergies struct{ allergies []safety.Allergy }

func (s staticAllergies) GetAllergies(context.Context, string) ([]safety.Allergy, error) {
	return s.allergies, nil
}

type staticFormulary struct{ interactions []safety.Interaction }

func (s staticFormulary) GetInteractions(context.Context, string) ([]safety.Interaction, error) {
	return s.interactions, nil
}

func (s staticFormulary) GetFormularyEntry(context.Context, string) (*safety.FormularyEntry, error) {
	return nil, nil
}

func TestPrescriptionFlow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	policy := prescription.DefaultPolicy()
	lifecycle := prescription.NewLifecycle(policy, nil)
	ledger := prescription.NewLedger(store, policy, nil)
	pipeline := safety.NewPipeline(staticAllergies{}, staticFormulary{}, store, nil)

	// Draft.
	rec := prescription.NewDraft(uuid.New().String(), "patient-7", "1093817465")
	rec.Medication = prescription.Medication{
		Name:             "Sertraline",
		Strength:         "50 mg",
		Form:             "tablet",
		RxNormCUI:        "312940",
		TherapeuticClass: "SSRI",
	}
	rec.Dosage = prescription.Dosage{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "once daily"}
	rec.Dosage.Text = prescription.GenerateSig(prescription.SigInputFromDosage(rec.Dosage, rec.Medication))
	rec.Dispense = prescription.Dispense{Quantity: 30, Unit: "tablet", DaysSupply: 30, Refills: 1, PharmacyNCPDPID: "4412893"}
	require.NoError(t, store.Create(ctx, rec))

	// Evaluate: clean patient, no alerts.
	eval, err := pipeline.Evaluate(ctx, rec.Medication, rec.PatientID)
	require.NoError(t, err)
	require.Empty(t, eval.Alerts)
	require.False(t, eval.Degraded())

	// Activate.
	require.NoError(t, lifecycle.Transition(rec, prescription.TransitionRequest{
		To:     prescription.StatusActive,
		Actor:  "dr-chen",
		Safety: eval.Gate(),
	}))
	require.NoError(t, store.Update(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, got.Status)
	assert.Equal(t, 1, got.Dispense.RefillsRemaining)

	// A second same-class prescription now raises duplicate therapy.
	dup := prescription.NewDraft(uuid.New().String(), "patient-7", "1093817465")
	dup.Medication = prescription.Medication{Name: "Escitalopram", TherapeuticClass: "SSRI"}
	eval2, err := pipeline.Evaluate(ctx, dup.Medication, "patient-7")
	require.NoError(t, err)
	require.Len(t, eval2.Alerts, 1)
	assert.Equal(t, safety.AlertDuplicate, eval2.Alerts[0].Type)
	assert.True(t, eval2.Gate().NeedsOverride())

	// Refill once, then exhaust.
	updated, refill, err := ledger.RequestRefill(ctx, prescription.RefillRequest{PrescriptionID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, refill.RefillNumber)
	assert.Equal(t, 0, updated.Dispense.RefillsRemaining)

	_, _, err = ledger.RequestRefill(ctx, prescription.RefillRequest{PrescriptionID: rec.ID})
	assert.ErrorIs(t, err, prescription.ErrNoRefillsRemaining)

	// Renew into a fresh draft; the exhausted record is untouched.
	renewed, err := ledger.Renew(ctx, rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDraft, renewed.Status)
	assert.Equal(t, rec.ID, renewed.PriorPrescriptionID)
	assert.Equal(t, 1, renewed.Dispense.Refills)

	source, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, source.Status)
	require.Len(t, source.RefillHistory, 1)

	// Stop the original; renewal draft is unaffected.
	require.NoError(t, lifecycle.Transition(source, prescription.TransitionRequest{
		To:     prescription.StatusStopped,
		Actor:  "dr-chen",
		Reason: "switching therapy",
	}))
	require.NoError(t, store.Update(ctx, source))

	draft, err := store.Get(ctx, renewed.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDraft, draft.Status)
}

func TestControlledSubstanceFlow(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	policy := prescription.DefaultPolicy()
	lifecycle := prescription.NewLifecycle(policy, nil)
	ledger := prescription.NewLedger(store, policy, nil)
	pipeline := safety.NewPipeline(staticAllergies{}, staticFormulary{}, store, nil)

	rec := prescription.NewDraft(uuid.New().String(), "patient-9", "1093817465")
	rec.Medication = prescription.Medication{
		Name:         "Oxycodone",
		Strength:     "5 mg",
		Form:         "tablet",
		IsControlled: true,
		Schedule:     prescription.ScheduleII,
	}
	rec.Dosage = prescription.Dosage{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "every 6 hours", IsPRN: true, PRNReason: "for pain"}
	rec.Dosage.Text = prescription.GenerateSig(prescription.SigInputFromDosage(rec.Dosage, rec.Medication))
	rec.Dispense = prescription.Dispense{Quantity: 20, DaysSupply: 5, Refills: 0}
	require.NoError(t, store.Create(ctx, rec))

	eval, err := pipeline.Evaluate(ctx, rec.Medication, rec.PatientID)
	require.NoError(t, err)
	require.Len(t, eval.Alerts, 1)
	assert.True(t, eval.Alerts[0].ActionRequired)

	// The controlled-substance advisory is moderate, so activation needs a
	// recorded override.
	err = lifecycle.Transition(rec, prescription.TransitionRequest{
		To:     prescription.StatusActive,
		Actor:  "dr-ng",
		Safety: eval.Gate(),
	})
	require.ErrorIs(t, err, prescription.ErrSafetyBlocked)

	require.NoError(t, lifecycle.Transition(rec, prescription.TransitionRequest{
		To:             prescription.StatusActive,
		Actor:          "dr-ng",
		OverrideReason: "post-surgical pain, PDMP reviewed",
		Safety:         eval.Gate(),
	}))
	require.NoError(t, store.Update(ctx, rec))
	assert.Equal(t, 0, rec.Dispense.RefillsRemaining)

	// No refills on Schedule II, ever.
	_, _, err = ledger.RequestRefill(ctx, prescription.RefillRequest{PrescriptionID: rec.ID})
	assert.ErrorIs(t, err, prescription.ErrNoRefillsRemaining)

	renewed, err := ledger.Renew(ctx, rec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, renewed.Dispense.Refills)
}
