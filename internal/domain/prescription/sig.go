package prescription

import (
	"strconv"
	"strings"
)

// SigInput is the structured dosing data the sig is derived from.
type SigInput struct {
	Dose                   float64
	DoseUnit               string
	FrequencyDisplay       string
	IsPRN                  bool
	PRNReason              string
	AdditionalInstructions string
	MedicationForm         string
}

// GenerateSig derives the human-readable dosing directions from structured
// dose data. It is pure: the same inputs always yield the same sig, so the
// text can be regenerated after any edit.
//
// An empty result means the instructions are incomplete; callers must block
// activation on it rather than dispense without directions.
func GenerateSig(in SigInput) string {
	if in.Dose <= 0 || in.FrequencyDisplay == "" {
		return ""
	}

	unit := in.DoseUnit
	if unit == "" {
		unit = in.MedicationForm
	}

	var b strings.Builder
	b.WriteString("Take ")
	b.WriteString(strconv.FormatFloat(in.Dose, 'f', -1, 64))
	if unit != "" {
		b.WriteString(" ")
		b.WriteString(unit)
	}
	b.WriteString(" ")
	b.WriteString(strings.ToLower(in.FrequencyDisplay))

	if in.IsPRN {
		b.WriteString(" as needed")
		if in.PRNReason != "" {
			b.WriteString(" ")
			b.WriteString(in.PRNReason)
		}
	}
	if in.AdditionalInstructions != "" {
		b.WriteString(". ")
		b.WriteString(in.AdditionalInstructions)
	}
	return b.String()
}

// SigInputFromDosage builds the generator input from a record's dosage and
// medication snapshot.
func SigInputFromDosage(d Dosage, m Medication) SigInput {
	return SigInput{
		Dose:                   d.Dose,
		DoseUnit:               d.DoseUnit,
		FrequencyDisplay:       d.FrequencyDisplay,
		IsPRN:                  d.IsPRN,
		PRNReason:              d.PRNReason,
		AdditionalInstructions: d.AdditionalInstructions,
		MedicationForm:         m.Form,
	}
}
