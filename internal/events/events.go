// Package events defines the domain events published to the audit stream.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/rx-engine/internal/domain/prescription"
)

// Type identifies a domain event.
type Type string

const (
	TypeStatusChanged        Type = "PrescriptionStatusChanged"
	TypeRefillRequested      Type = "RefillRequested"
	TypeRenewed              Type = "PrescriptionRenewed"
	TypeAlertsOverridden     Type = "SafetyAlertsOverridden"
	TypeTransmissionRecorded Type = "TransmissionRecorded"
)

// Envelope wraps an event payload with audit metadata. Entries are
// append-only; consumers replay them for the regulatory trail.
type Envelope struct {
	ID             string          `json:"id"`
	PrescriptionID string          `json:"prescription_id"`
	Type           Type            `json:"type"`
	Actor          string          `json:"actor,omitempty"`
	PatientID      string          `json:"patient_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// New wraps a payload in an envelope.
func New(prescriptionID string, t Type, actor string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:             uuid.New().String(),
		PrescriptionID: prescriptionID,
		Type:           t,
		Actor:          actor,
		Payload:        data,
		OccurredAt:     time.Now().UTC(),
	}, nil
}

// StatusChanged records one lifecycle transition.
type StatusChanged struct {
	From   prescription.Status `json:"from"`
	To     prescription.Status `json:"to"`
	Reason string              `json:"reason,omitempty"`
}

// RefillRequested records one granted refill.
type RefillRequested struct {
	RefillID         string  `json:"refill_id"`
	RefillNumber     int     `json:"refill_number"`
	PharmacyNCPDPID  string  `json:"pharmacy_ncpdp_id,omitempty"`
	Quantity         float64 `json:"quantity,omitempty"`
	RefillsRemaining int     `json:"refills_remaining"`
}

// Renewed records the creation of a continuation prescription.
type Renewed struct {
	RenewalID string `json:"renewal_id"`
	Refills   int    `json:"refills"`
}

// AlertsOverridden records a prescriber proceeding past non-blocking alerts.
type AlertsOverridden struct {
	Reason string `json:"reason"`
	Alerts int    `json:"alerts"`
}

// TransmissionRecorded records the gateway-reported delivery status.
type TransmissionRecorded struct {
	Status    prescription.TransmissionStatus `json:"status"`
	MessageID string                          `json:"message_id,omitempty"`
}
