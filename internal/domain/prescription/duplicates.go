package prescription

import (
	"sort"
	"strings"
	"unicode"
)

// minTokenLength filters out dosage forms and connectors ("mg", "tab", "of")
// that would otherwise match across most prescriptions.
const minTokenLength = 4

// DuplicateWarning flags two prescriptions whose medication names share a
// significant token. Advisory only; this is a lexical heuristic, not a
// clinical determination.
type DuplicateWarning struct {
	SharedWord  string   `json:"shared_word"`
	Medications []string `json:"medications"`
}

// DetectDuplicates scans a prescription collection for likely duplicate
// medications by name-token overlap. Each shared token is reported once per
// evaluation no matter how many pairs share it.
func DetectDuplicates(records []*Record) []DuplicateWarning {
	tokens := make([]map[string]struct{}, len(records))
	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.MedicationDisplay()
		tokens[i] = nameTokens(rec.Medication.Name)
	}

	reported := make(map[string]struct{})
	var warnings []DuplicateWarning
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			shared := intersect(tokens[i], tokens[j])
			for _, tok := range shared {
				if _, seen := reported[tok]; seen {
					continue
				}
				reported[tok] = struct{}{}
				warnings = append(warnings, DuplicateWarning{
					SharedWord:  tok,
					Medications: []string{names[i], names[j]},
				})
			}
		}
	}
	return warnings
}

func nameTokens(name string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) >= minTokenLength {
			set[f] = struct{}{}
		}
	}
	return set
}

func intersect(a, b map[string]struct{}) []string {
	var shared []string
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared = append(shared, tok)
		}
	}
	sort.Strings(shared)
	return shared
}
