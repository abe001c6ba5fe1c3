// Package prescription implements the prescription record, its lifecycle
// state machine, and the refill ledger.
package prescription

import (
	"time"
)

// Status represents the lifecycle state of a prescription.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusActive         Status = "active"
	StatusOnHold         Status = "on-hold"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusStopped        Status = "stopped"
	StatusEnteredInError Status = "entered-in-error"
)

// Terminal reports whether the status is a terminal state. Terminal records
// are retained for audit and never transition again, with the single
// exception of entered-in-error corrections.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusStopped, StatusEnteredInError:
		return true
	}
	return false
}

// Intent represents the kind of authorization the record carries.
type Intent string

const (
	IntentOrder         Intent = "order"
	IntentOriginalOrder Intent = "original-order"
	IntentPlan          Intent = "plan"
)

// Priority represents the urgency of the request.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// Schedule is the DEA controlled-substance schedule of a medication.
// Empty for non-controlled medications.
type Schedule string

const (
	ScheduleII  Schedule = "II"
	ScheduleIII Schedule = "III"
	ScheduleIV  Schedule = "IV"
	ScheduleV   Schedule = "V"
)

// Medication is an immutable snapshot of the prescribed product, captured at
// authoring time so later formulary changes never rewrite history.
type Medication struct {
	Name             string   `json:"name"`
	Strength         string   `json:"strength,omitempty"`
	Form             string   `json:"form,omitempty"`
	Route            string   `json:"route,omitempty"`
	NDC              string   `json:"ndc,omitempty"`
	RxNormCUI        string   `json:"rxnorm_cui,omitempty"`
	IsControlled     bool     `json:"is_controlled"`
	Schedule         Schedule `json:"schedule,omitempty"`
	TherapeuticClass string   `json:"therapeutic_class,omitempty"`
	AllergenClass    string   `json:"allergen_class,omitempty"`
}

// CodeForLookup returns the identifier external drug databases are keyed on,
// preferring the normalized RxNorm concept over the packaged NDC.
func (m Medication) CodeForLookup() string {
	if m.RxNormCUI != "" {
		return m.RxNormCUI
	}
	return m.NDC
}

// Dosage holds the structured dosing data plus the derived sig text.
// Text is always regenerated from the structured fields; it is never edited
// directly.
type Dosage struct {
	Dose                   float64 `json:"dose"`
	DoseUnit               string  `json:"dose_unit,omitempty"`
	FrequencyDisplay       string  `json:"frequency_display,omitempty"`
	DurationDays           int     `json:"duration_days,omitempty"`
	IsPRN                  bool    `json:"is_prn,omitempty"`
	PRNReason              string  `json:"prn_reason,omitempty"`
	AdditionalInstructions string  `json:"additional_instructions,omitempty"`
	Text                   string  `json:"text,omitempty"`
}

// Dispense holds the dispensing authorization. RefillsRemaining is undefined
// until the record reaches active; Lifecycle.Transition initializes it and
// Ledger.RequestRefill is the only operation that decrements it.
type Dispense struct {
	Quantity            float64 `json:"quantity"`
	Unit                string  `json:"unit,omitempty"`
	DaysSupply          int     `json:"days_supply"`
	Refills             int     `json:"refills"`
	RefillsRemaining    int     `json:"refills_remaining"`
	SubstitutionAllowed bool    `json:"substitution_allowed"`
	PharmacyNCPDPID     string  `json:"pharmacy_ncpdp_id,omitempty"`
}

// PriorAuth tracks insurer prior-authorization state when the formulary
// requires it.
type PriorAuth struct {
	Required  bool   `json:"required"`
	Status    string `json:"status,omitempty"` // pending | approved | denied
	Reference string `json:"reference,omitempty"`
}

// TransmissionStatus is the gateway-reported delivery status. The engine only
// records it; transport is external.
type TransmissionStatus string

const (
	TransmissionNone      TransmissionStatus = ""
	TransmissionSent      TransmissionStatus = "sent"
	TransmissionDelivered TransmissionStatus = "delivered"
	TransmissionFailed    TransmissionStatus = "failed"
)

// Transmission records the last status reported by the transmission gateway.
type Transmission struct {
	Status     TransmissionStatus `json:"status,omitempty"`
	MessageID  string             `json:"message_id,omitempty"`
	ReportedAt time.Time          `json:"reported_at,omitempty"`
}

// HistoryEntry is one immutable audit entry appended on every lifecycle
// transition.
type HistoryEntry struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// RefillStatus is the outcome state of a refill request.
type RefillStatus string

const (
	RefillRequested RefillStatus = "requested"
	RefillApproved  RefillStatus = "approved"
	RefillDenied    RefillStatus = "denied"
	RefillFilled    RefillStatus = "filled"
	RefillPartial   RefillStatus = "partial"
	RefillCancelled RefillStatus = "cancelled"
)

// RefillRecord is one immutable record per refill request, owned by the
// ledger of its parent prescription.
type RefillRecord struct {
	ID              string       `json:"id"`
	PrescriptionID  string       `json:"prescription_id"`
	RefillNumber    int          `json:"refill_number"`
	PharmacyNCPDPID string       `json:"pharmacy_ncpdp_id,omitempty"`
	Quantity        float64      `json:"quantity,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	Status          RefillStatus `json:"status"`
	RequestedAt     time.Time    `json:"requested_at"`
	FilledAt        *time.Time   `json:"filled_at,omitempty"`
}

// Record is the prescription entity. Fields are exported for persistence and
// serialization, but status-affecting mutation goes exclusively through
// Lifecycle and Ledger; everything else treats a Record as read-only.
type Record struct {
	ID       string   `json:"id"`
	Status   Status   `json:"status"`
	Intent   Intent   `json:"intent"`
	Priority Priority `json:"priority,omitempty"`

	PatientID     string `json:"patient_id"`
	PrescriberNPI string `json:"prescriber_npi"`

	Medication Medication `json:"medication"`
	Dosage     Dosage     `json:"dosage"`
	Dispense   Dispense   `json:"dispense"`

	PriorAuth    *PriorAuth   `json:"prior_auth,omitempty"`
	Transmission Transmission `json:"transmission,omitempty"`

	// PriorPrescriptionID links a renewal back to the record it continues.
	PriorPrescriptionID string `json:"prior_prescription_id,omitempty"`

	// OverrideReason is the prescriber's recorded reason for activating past
	// moderate/low safety alerts. Captured on the record, not the alert.
	OverrideReason string `json:"override_reason,omitempty"`

	AuthoredOn         time.Time  `json:"authored_on,omitempty"`
	ValidFrom          time.Time  `json:"valid_from,omitempty"`
	DiscontinuedAt     *time.Time `json:"discontinued_at,omitempty"`
	DiscontinuedReason string     `json:"discontinued_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	History       []HistoryEntry `json:"history,omitempty"`
	RefillHistory []RefillRecord `json:"refill_history,omitempty"`
}

// NewDraft creates a draft record for the given patient and prescriber.
func NewDraft(id, patientID, prescriberNPI string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:            id,
		Status:        StatusDraft,
		Intent:        IntentOrder,
		Priority:      PriorityRoutine,
		PatientID:     patientID,
		PrescriberNPI: prescriberNPI,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsOnHold reports whether the record is administratively paused. All hold
// decisions dispatch on the status tag, never on side-channel fields.
func (r *Record) IsOnHold() bool { return r.Status == StatusOnHold }

// IsActive reports whether the record is currently dispensable.
func (r *Record) IsActive() bool { return r.Status == StatusActive }

// RefillsLeft returns the remaining refill count. The boolean is false while
// the record has not yet been activated, when the counter is undefined.
func (r *Record) RefillsLeft() (int, bool) {
	if r.Status == StatusDraft {
		return 0, false
	}
	return r.Dispense.RefillsRemaining, true
}

// MedicationDisplay returns the label-friendly medication description.
func (r *Record) MedicationDisplay() string {
	if r.Medication.Strength == "" {
		return r.Medication.Name
	}
	return r.Medication.Name + " " + r.Medication.Strength
}

// SigText returns the derived dosing directions.
func (r *Record) SigText() string { return r.Dosage.Text }

// PharmacyNCPDPID returns the dispensing pharmacy on record, if any.
func (r *Record) PharmacyNCPDPID() string { return r.Dispense.PharmacyNCPDPID }

// SupplyElapsed reports whether the current fill's days-supply has run out as
// of now. Used by the lifecycle to auto-complete exhausted prescriptions.
func (r *Record) SupplyElapsed(now time.Time) bool {
	if r.ValidFrom.IsZero() || r.Dispense.DaysSupply <= 0 {
		return false
	}
	lastFill := r.ValidFrom
	if n := len(r.RefillHistory); n > 0 {
		lastFill = r.RefillHistory[n-1].RequestedAt
	}
	return now.After(lastFill.AddDate(0, 0, r.Dispense.DaysSupply))
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate shared state behind the lifecycle's back.
func (r *Record) Clone() *Record {
	c := *r
	if r.PriorAuth != nil {
		pa := *r.PriorAuth
		c.PriorAuth = &pa
	}
	if r.DiscontinuedAt != nil {
		at := *r.DiscontinuedAt
		c.DiscontinuedAt = &at
	}
	c.History = make([]HistoryEntry, len(r.History))
	copy(c.History, r.History)
	c.RefillHistory = make([]RefillRecord, len(r.RefillHistory))
	for i, rr := range r.RefillHistory {
		if rr.FilledAt != nil {
			at := *rr.FilledAt
			rr.FilledAt = &at
		}
		c.RefillHistory[i] = rr
	}
	return &c
}
