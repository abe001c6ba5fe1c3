package prescription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSig(t *testing.T) {
	tests := []struct {
		name string
		in   SigInput
		want string
	}{
		{
			name: "basic",
			in:   SigInput{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "Twice Daily"},
			want: "Take 1 tablet twice daily",
		},
		{
			name: "milligram dose",
			in:   SigInput{Dose: 500, DoseUnit: "mg", FrequencyDisplay: "Twice daily"},
			want: "Take 500 mg twice daily",
		},
		{
			name: "fractional dose keeps minimal digits",
			in:   SigInput{Dose: 0.5, DoseUnit: "mL", FrequencyDisplay: "once daily"},
			want: "Take 0.5 mL once daily",
		},
		{
			name: "falls back to medication form when unit missing",
			in:   SigInput{Dose: 2, MedicationForm: "capsule", FrequencyDisplay: "every 8 hours"},
			want: "Take 2 capsule every 8 hours",
		},
		{
			name: "prn with reason",
			in:   SigInput{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "every 6 hours", IsPRN: true, PRNReason: "for pain"},
			want: "Take 1 tablet every 6 hours as needed for pain",
		},
		{
			name: "prn without reason",
			in:   SigInput{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "at bedtime", IsPRN: true},
			want: "Take 1 tablet at bedtime as needed",
		},
		{
			name: "additional instructions appended",
			in:   SigInput{Dose: 1, DoseUnit: "tablet", FrequencyDisplay: "once daily", AdditionalInstructions: "Take with food"},
			want: "Take 1 tablet once daily. Take with food",
		},
		{
			name: "zero dose yields empty sig",
			in:   SigInput{Dose: 0, DoseUnit: "tablet", FrequencyDisplay: "once daily"},
			want: "",
		},
		{
			name: "missing frequency yields empty sig",
			in:   SigInput{Dose: 1, DoseUnit: "tablet"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateSig(tt.in))
		})
	}
}

func TestGenerateSigDeterministic(t *testing.T) {
	in := SigInput{Dose: 2.5, DoseUnit: "mg", FrequencyDisplay: "Once Daily", IsPRN: true, PRNReason: "for anxiety"}
	first := GenerateSig(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, GenerateSig(in))
	}
}

func TestSigInputFromDosage(t *testing.T) {
	d := Dosage{Dose: 1, FrequencyDisplay: "once daily", IsPRN: true, PRNReason: "for sleep"}
	m := Medication{Form: "tablet"}

	got := GenerateSig(SigInputFromDosage(d, m))
	assert.Equal(t, "Take 1 tablet once daily as needed for sleep", got)
}
