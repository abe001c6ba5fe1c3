// Package safety runs the clinical safety checks for a prescription and
// aggregates their alerts.
package safety

import "sort"

// AlertType identifies which check produced an alert.
type AlertType string

const (
	AlertInteraction AlertType = "interaction"
	AlertAllergy     AlertType = "allergy"
	AlertDuplicate   AlertType = "duplicate"
	AlertDoseWarning AlertType = "dose-warning"
)

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
)

// rank orders severities for deterministic output; lower sorts first.
func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityModerate:
		return 1
	default:
		return 2
	}
}

// ParseSeverity normalizes an externally documented severity string.
// Anything unrecognized is treated as low rather than dropped.
func ParseSeverity(s string) Severity {
	switch s {
	case "high", "severe", "major":
		return SeverityHigh
	case "moderate", "medium":
		return SeverityModerate
	default:
		return SeverityLow
	}
}

// Alert is an ephemeral value object produced by one safety check. Alerts
// are recomputed on every evaluation and never persisted; a prescriber
// override is captured on the prescription record instead.
type Alert struct {
	Type           AlertType `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	ActionRequired bool      `json:"action_required"`
}

// sortAlerts orders by decreasing severity, then by check type, so repeated
// evaluations of the same inputs render identically.
func sortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity.rank() != alerts[j].Severity.rank() {
			return alerts[i].Severity.rank() < alerts[j].Severity.rank()
		}
		return alerts[i].Type < alerts[j].Type
	})
}
