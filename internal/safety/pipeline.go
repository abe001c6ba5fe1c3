package safety

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

// CheckName identifies one of the pipeline's independent checks.
type CheckName string

const (
	CheckInteraction         CheckName = "interaction"
	CheckAllergy             CheckName = "allergy"
	CheckDuplicateTherapy    CheckName = "duplicate-therapy"
	CheckControlledSubstance CheckName = "controlled-substance"
)

// Evaluation is the aggregated outcome of one pipeline run. Skipped lists
// the checks whose data source was unavailable; the caller decides whether
// to proceed on incomplete safety information.
type Evaluation struct {
	Alerts  []Alert     `json:"alerts"`
	Skipped []CheckName `json:"skipped,omitempty"`
}

// Degraded reports whether any check was skipped this evaluation.
func (e *Evaluation) Degraded() bool { return len(e.Skipped) > 0 }

// Gate folds the evaluation into the activation guard's input. A skipped
// allergy or interaction check is unresolved, not clear.
func (e *Evaluation) Gate() prescription.SafetyGate {
	var g prescription.SafetyGate
	for _, a := range e.Alerts {
		switch a.Severity {
		case SeverityHigh:
			g.UnresolvedHigh++
		case SeverityModerate:
			g.UnresolvedModerate++
		default:
			g.UnresolvedLow++
		}
	}
	for _, c := range e.Skipped {
		if c == CheckAllergy || c == CheckInteraction {
			g.CriticalSkipped = true
		}
	}
	return g
}

// Pipeline runs the four safety checks against external data sources.
// Checks are independent; within one Evaluate call they execute
// concurrently and their results merge only after all have settled.
type Pipeline struct {
	allergies AllergySource
	formulary FormularySource
	meds      MedicationListSource
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewPipeline creates a safety check pipeline. Sources are borrowed per
// call; the pipeline holds no cache across evaluations.
func NewPipeline(allergies AllergySource, formulary FormularySource, meds MedicationListSource, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		allergies: allergies,
		formulary: formulary,
		meds:      meds,
		logger:    logger,
		tracer:    otel.Tracer("safety-pipeline"),
	}
}

type checkResult struct {
	name   CheckName
	alerts []Alert
	err    error
}

// Evaluate runs every check for the medication against the patient's
// external data and aggregates the alerts, ordered by decreasing severity
// then check type. A check whose source is unavailable contributes no
// alerts and is listed in Skipped; the pipeline never fails
// partially-silently. Cancellation abandons the merge — in-flight checks
// run to completion and their results are discarded, which is harmless
// because no check has an externally visible side effect.
func (p *Pipeline) Evaluate(ctx context.Context, med prescription.Medication, patientID string) (*Evaluation, error) {
	ctx, span := p.tracer.Start(ctx, "safety_evaluate",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("medication", med.Name),
		))
	defer span.End()

	checks := []struct {
		name CheckName
		run  func(context.Context) ([]Alert, error)
	}{
		{CheckInteraction, func(ctx context.Context) ([]Alert, error) { return p.checkInteractions(ctx, med, patientID) }},
		{CheckAllergy, func(ctx context.Context) ([]Alert, error) { return p.checkAllergies(ctx, med, patientID) }},
		{CheckDuplicateTherapy, func(ctx context.Context) ([]Alert, error) { return p.checkDuplicateTherapy(ctx, med, patientID) }},
		{CheckControlledSubstance, func(ctx context.Context) ([]Alert, error) { return p.checkControlledSubstance(med), nil }},
	}

	results := make(chan checkResult, len(checks))
	for _, c := range checks {
		go func(name CheckName, run func(context.Context) ([]Alert, error)) {
			alerts, err := run(ctx)
			results <- checkResult{name: name, alerts: alerts, err: err}
		}(c.name, c.run)
	}

	eval := &Evaluation{}
	for range checks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			if res.err != nil {
				p.logger.Warn("safety check skipped",
					zap.String("check", string(res.name)),
					zap.String("patient_id", patientID),
					zap.Error(res.err),
				)
				eval.Skipped = append(eval.Skipped, res.name)
				continue
			}
			eval.Alerts = append(eval.Alerts, res.alerts...)
		}
	}

	sortAlerts(eval.Alerts)
	span.SetAttributes(
		attribute.Int("alerts", len(eval.Alerts)),
		attribute.Int("skipped", len(eval.Skipped)),
	)
	return eval, nil
}

func (p *Pipeline) checkInteractions(ctx context.Context, med prescription.Medication, patientID string) ([]Alert, error) {
	interactions, err := p.formulary.GetInteractions(ctx, med.CodeForLookup())
	if err != nil {
		return nil, fmt.Errorf("interactions lookup: %w", err)
	}
	active, err := p.meds.GetActivePrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("active medications lookup: %w", err)
	}

	var alerts []Alert
	for _, ix := range interactions {
		for _, rec := range active {
			if !matchesMedication(rec.Medication, ix) {
				continue
			}
			sev := ParseSeverity(ix.Severity)
			msg := ix.Description
			if msg == "" {
				msg = fmt.Sprintf("%s interacts with %s", med.Name, ix.DrugName)
			}
			alerts = append(alerts, Alert{
				Type:           AlertInteraction,
				Severity:       sev,
				Message:        msg,
				ActionRequired: sev == SeverityHigh,
			})
			break
		}
	}
	return alerts, nil
}

func (p *Pipeline) checkAllergies(ctx context.Context, med prescription.Medication, patientID string) ([]Alert, error) {
	if med.AllergenClass == "" {
		return nil, nil
	}
	allergies, err := p.allergies.GetAllergies(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("allergies lookup: %w", err)
	}

	var alerts []Alert
	for _, al := range allergies {
		if !strings.EqualFold(al.Allergen, med.AllergenClass) {
			continue
		}
		msg := fmt.Sprintf("patient has a documented %s allergy", al.Allergen)
		if al.Reaction != "" {
			msg += " (" + al.Reaction + ")"
		}
		alerts = append(alerts, Alert{
			Type:           AlertAllergy,
			Severity:       SeverityHigh,
			Message:        msg,
			ActionRequired: true,
		})
	}
	return alerts, nil
}

func (p *Pipeline) checkDuplicateTherapy(ctx context.Context, med prescription.Medication, patientID string) ([]Alert, error) {
	if med.TherapeuticClass == "" {
		return nil, nil
	}
	active, err := p.meds.GetActivePrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("active medications lookup: %w", err)
	}

	for _, rec := range active {
		if rec.Status != prescription.StatusActive {
			continue
		}
		if rec.Medication.Name == med.Name {
			continue
		}
		if strings.EqualFold(rec.Medication.TherapeuticClass, med.TherapeuticClass) {
			return []Alert{{
				Type:     AlertDuplicate,
				Severity: SeverityModerate,
				Message: fmt.Sprintf("patient already has an active %s prescription: %s",
					med.TherapeuticClass, rec.Medication.Name),
				ActionRequired: false,
			}}, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) checkControlledSubstance(med prescription.Medication) []Alert {
	if !med.IsControlled {
		return nil
	}
	return []Alert{{
		Type:     AlertDoseWarning,
		Severity: SeverityModerate,
		Message: fmt.Sprintf("%s is a Schedule %s controlled substance: verify patient identity and check the prescription monitoring program",
			med.Name, med.Schedule),
		ActionRequired: true,
	}}
}

func matchesMedication(m prescription.Medication, ix Interaction) bool {
	if ix.DrugID != "" && (ix.DrugID == m.RxNormCUI || ix.DrugID == m.NDC) {
		return true
	}
	return ix.DrugName != "" && strings.EqualFold(ix.DrugName, m.Name)
}
