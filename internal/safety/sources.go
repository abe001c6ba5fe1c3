package safety

import (
	"context"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

// ErrDegradedEvaluation tags an evaluation in which one or more checks could
// not reach their data source. The evaluation still carries every alert that
// was computed; activation treats the skipped check as unresolved and fails
// with this error.
var ErrDegradedEvaluation = prescription.ErrDegradedEvaluation

// Allergy is one documented patient allergy.
type Allergy struct {
	Allergen string `json:"allergen"`
	Reaction string `json:"reaction,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Interaction is one documented drug-drug interaction for a medication.
type Interaction struct {
	DrugID      string `json:"drug_id"`
	DrugName    string `json:"drug_name"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
}

// FormularyEntry is coverage metadata for a medication.
type FormularyEntry struct {
	RequiresPriorAuth bool `json:"requires_prior_auth"`
	TierLevel         int  `json:"tier_level,omitempty"`
}

// AllergySource looks up a patient's documented allergies. External,
// read-only.
type AllergySource interface {
	GetAllergies(ctx context.Context, patientID string) ([]Allergy, error)
}

// FormularySource looks up drug-database knowledge about a medication.
// External, read-only.
type FormularySource interface {
	GetInteractions(ctx context.Context, medicationCode string) ([]Interaction, error)
	GetFormularyEntry(ctx context.Context, medicationCode string) (*FormularyEntry, error)
}

// MedicationListSource returns a patient's active prescriptions. External,
// read-only; the pipeline never caches results across evaluations.
type MedicationListSource interface {
	GetActivePrescriptions(ctx context.Context, patientID string) ([]*prescription.Record, error)
}
