package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

type stubAllergySource struct {
	allergies []Allergy
	err       error
}

func (s *stubAllergySource) GetAllergies(context.Context, string) ([]Allergy, error) {
	return s.allergies, s.err
}

type stubFormularySource struct {
	interactions []Interaction
	err          error
}

func (s *stubFormularySource) GetInteractions(context.Context, string) ([]Interaction, error) {
	return s.interactions, s.err
}

func (s *stubFormularySource) GetFormularyEntry(context.Context, string) (*FormularyEntry, error) {
	return nil, s.err
}

type stubMedicationList struct {
	records []*prescription.Record
	err     error
}

func (s *stubMedicationList) GetActivePrescriptions(context.Context, string) ([]*prescription.Record, error) {
	return s.records, s.err
}

func activeMed(name, class string) *prescription.Record {
	rec := prescription.NewDraft("rx-"+name, "patient-1", "1234567890")
	rec.Status = prescription.StatusActive
	rec.Medication = prescription.Medication{Name: name, TherapeuticClass: class}
	return rec
}

func TestEvaluateCleanMedication(t *testing.T) {
	p := NewPipeline(&stubAllergySource{}, &stubFormularySource{}, &stubMedicationList{}, nil)

	eval, err := p.Evaluate(context.Background(), prescription.Medication{Name: "Lisinopril"}, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, eval.Alerts)
	assert.Empty(t, eval.Skipped)
	assert.False(t, eval.Degraded())

	gate := eval.Gate()
	assert.False(t, gate.BlocksActivation())
	assert.False(t, gate.NeedsOverride())
}

func TestEvaluateInteractionAgainstActiveMeds(t *testing.T) {
	formulary := &stubFormularySource{interactions: []Interaction{
		{DrugName: "Warfarin", Severity: "major", Description: "increased bleeding risk"},
		{DrugName: "Digoxin", Severity: "moderate"},
	}}
	meds := &stubMedicationList{records: []*prescription.Record{
		activeMed("Warfarin", "anticoagulant"),
	}}
	p := NewPipeline(&stubAllergySource{}, formulary, meds, nil)

	eval, err := p.Evaluate(context.Background(), prescription.Medication{Name: "Aspirin"}, "patient-1")
	require.NoError(t, err)

	// Digoxin is documented in the drug database but the patient is not
	// taking it, so only the warfarin interaction alerts.
	require.Len(t, eval.Alerts, 1)
	a := eval.Alerts[0]
	assert.Equal(t, AlertInteraction, a.Type)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, "increased bleeding risk", a.Message)
	assert.True(t, a.ActionRequired)

	gate := eval.Gate()
	assert.True(t, gate.BlocksActivation())
}

func TestEvaluateAllergyMatch(t *testing.T) {
	allergies := &stubAllergySource{allergies: []Allergy{
		{Allergen: "Penicillin", Reaction: "anaphylaxis"},
		{Allergen: "Sulfa"},
	}}
	p := NewPipeline(allergies, &stubFormularySource{}, &stubMedicationList{}, nil)

	med := prescription.Medication{Name: "Amoxicillin", AllergenClass: "penicillin"}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)

	require.Len(t, eval.Alerts, 1)
	a := eval.Alerts[0]
	assert.Equal(t, AlertAllergy, a.Type)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Contains(t, a.Message, "Penicillin")
	assert.Contains(t, a.Message, "anaphylaxis")
	assert.True(t, a.ActionRequired)
}

func TestEvaluateDuplicateTherapy(t *testing.T) {
	meds := &stubMedicationList{records: []*prescription.Record{
		activeMed("Lisinopril", "ACE inhibitor"),
		activeMed("Enalapril", "ACE inhibitor"),
	}}
	p := NewPipeline(&stubAllergySource{}, &stubFormularySource{}, meds, nil)

	med := prescription.Medication{Name: "Ramipril", TherapeuticClass: "ACE inhibitor"}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)

	// One alert regardless of how many same-class medications are active.
	require.Len(t, eval.Alerts, 1)
	assert.Equal(t, AlertDuplicate, eval.Alerts[0].Type)
	assert.Equal(t, SeverityModerate, eval.Alerts[0].Severity)
	assert.False(t, eval.Alerts[0].ActionRequired)
}

func TestEvaluateDuplicateTherapyIgnoresInactive(t *testing.T) {
	stopped := activeMed("Lisinopril", "ACE inhibitor")
	stopped.Status = prescription.StatusStopped
	meds := &stubMedicationList{records: []*prescription.Record{stopped}}
	p := NewPipeline(&stubAllergySource{}, &stubFormularySource{}, meds, nil)

	med := prescription.Medication{Name: "Ramipril", TherapeuticClass: "ACE inhibitor"}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)
	assert.Empty(t, eval.Alerts)
}

func TestEvaluateControlledSubstance(t *testing.T) {
	p := NewPipeline(&stubAllergySource{}, &stubFormularySource{}, &stubMedicationList{}, nil)

	med := prescription.Medication{
		Name:         "Oxycodone",
		IsControlled: true,
		Schedule:     prescription.ScheduleII,
	}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)

	require.Len(t, eval.Alerts, 1)
	a := eval.Alerts[0]
	assert.Equal(t, AlertDoseWarning, a.Type)
	assert.Equal(t, SeverityModerate, a.Severity)
	assert.True(t, a.ActionRequired)
	assert.Contains(t, a.Message, "Schedule II")
}

func TestEvaluateDegradedOnSourceFailure(t *testing.T) {
	boom := errors.New("connection refused")
	allergies := &stubAllergySource{err: boom}
	meds := &stubMedicationList{records: []*prescription.Record{
		activeMed("Lisinopril", "ACE inhibitor"),
	}}
	p := NewPipeline(allergies, &stubFormularySource{}, meds, nil)

	med := prescription.Medication{
		Name:             "Ramipril",
		TherapeuticClass: "ACE inhibitor",
		AllergenClass:    "ace-inhibitor",
	}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)

	// Allergy check is skipped, the other checks still contribute.
	assert.Equal(t, []CheckName{CheckAllergy}, eval.Skipped)
	assert.True(t, eval.Degraded())
	require.Len(t, eval.Alerts, 1)
	assert.Equal(t, AlertDuplicate, eval.Alerts[0].Type)

	// A skipped allergy check blocks activation even with no high alerts.
	gate := eval.Gate()
	assert.True(t, gate.CriticalSkipped)
	assert.True(t, gate.BlocksActivation())
}

func TestEvaluateAllSourcesDown(t *testing.T) {
	boom := errors.New("timeout")
	p := NewPipeline(
		&stubAllergySource{err: boom},
		&stubFormularySource{err: boom},
		&stubMedicationList{err: boom},
		nil,
	)

	med := prescription.Medication{
		Name:             "Amoxicillin",
		TherapeuticClass: "penicillin antibiotic",
		AllergenClass:    "penicillin",
		IsControlled:     false,
	}
	eval, err := p.Evaluate(context.Background(), med, "patient-1")
	require.NoError(t, err)

	// The controlled-substance check needs no external source and still ran.
	assert.Empty(t, eval.Alerts)
	assert.ElementsMatch(t,
		[]CheckName{CheckInteraction, CheckAllergy, CheckDuplicateTherapy},
		eval.Skipped)
}

func TestEvaluateAlertOrdering(t *testing.T) {
	formulary := &stubFormularySource{interactions: []Interaction{
		{DrugName: "Warfarin", Severity: "severe"},
	}}
	allergies := &stubAllergySource{allergies: []Allergy{{Allergen: "opioid"}}}
	meds := &stubMedicationList{records: []*prescription.Record{
		activeMed("Warfarin", "anticoagulant"),
		activeMed("Morphine", "opioid analgesic"),
	}}
	p := NewPipeline(allergies, formulary, meds, nil)

	med := prescription.Medication{
		Name:             "Oxycodone",
		TherapeuticClass: "opioid analgesic",
		AllergenClass:    "opioid",
		IsControlled:     true,
		Schedule:         prescription.ScheduleII,
	}

	for i := 0; i < 20; i++ {
		eval, err := p.Evaluate(context.Background(), med, "patient-1")
		require.NoError(t, err)
		require.Len(t, eval.Alerts, 4)

		// High severity first, then moderate; ties break on check type.
		assert.Equal(t, SeverityHigh, eval.Alerts[0].Severity)
		assert.Equal(t, SeverityHigh, eval.Alerts[1].Severity)
		assert.Equal(t, SeverityModerate, eval.Alerts[2].Severity)
		assert.Equal(t, SeverityModerate, eval.Alerts[3].Severity)

		gate := eval.Gate()
		assert.Equal(t, 2, gate.UnresolvedHigh)
		assert.Equal(t, 2, gate.UnresolvedModerate)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hang := make(chan struct{})
	allergies := &stubAllergySource{}
	formulary := &stubFormularySource{}
	p := NewPipeline(allergies, formulary, blockingMedicationList{hang}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.Evaluate(ctx, prescription.Medication{Name: "Lisinopril", TherapeuticClass: "ACE inhibitor"}, "patient-1")
		done <- err
	}()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	close(hang)
}

// blockingMedicationList parks until released, keeping the interaction and
// duplicate-therapy checks in flight so cancellation is observable.
type blockingMedicationList struct {
	release chan struct{}
}

func (b blockingMedicationList) GetActivePrescriptions(context.Context, string) ([]*prescription.Record, error) {
	<-b.release
	return nil, nil
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, ParseSeverity("severe"))
	assert.Equal(t, SeverityHigh, ParseSeverity("Major"))
	assert.Equal(t, SeverityHigh, ParseSeverity("high"))
	assert.Equal(t, SeverityModerate, ParseSeverity("moderate"))
	assert.Equal(t, SeverityModerate, ParseSeverity("medium"))
	assert.Equal(t, SeverityLow, ParseSeverity("minor"))
	assert.Equal(t, SeverityLow, ParseSeverity(""))
}
