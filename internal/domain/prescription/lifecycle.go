package prescription

import (
	"time"

	"go.uber.org/zap"
)

// SafetyGate summarizes the outcome of the most recent safety evaluation for
// the purpose of the draft -> active guard. A skipped allergy or interaction
// check counts as unresolved, never as clear.
type SafetyGate struct {
	UnresolvedHigh     int
	UnresolvedModerate int
	UnresolvedLow      int
	CriticalSkipped    bool
}

// BlocksActivation reports whether the gate forbids activation outright.
// Moderate and low alerts can be overridden with a recorded reason; high
// alerts and skipped critical checks cannot.
func (g SafetyGate) BlocksActivation() bool {
	return g.UnresolvedHigh > 0 || g.CriticalSkipped
}

// NeedsOverride reports whether activation requires a recorded override
// reason.
func (g SafetyGate) NeedsOverride() bool {
	return g.UnresolvedModerate > 0 || g.UnresolvedLow > 0
}

// TransitionRequest describes a requested lifecycle transition.
type TransitionRequest struct {
	To     Status
	Actor  string
	Reason string
	// OverrideReason records the prescriber's justification for activating
	// past moderate/low alerts.
	OverrideReason string
	// Safety is required for draft -> active; ignored on all other edges.
	Safety SafetyGate
}

// Lifecycle is the state machine governing prescription status. It is the
// only component permitted to mutate Record.Status.
type Lifecycle struct {
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewLifecycle creates a lifecycle with the given policy.
func NewLifecycle(policy Policy, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{policy: policy, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// allowed enumerates the legal edges of the state machine. entered-in-error
// is reachable from anywhere and handled separately.
var allowed = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCancelled},
	StatusActive: {StatusOnHold, StatusStopped, StatusCancelled, StatusCompleted},
	StatusOnHold: {StatusActive, StatusStopped, StatusCancelled},
}

// Transition moves the record along one lifecycle edge, appending one
// immutable history entry on success. Invalid edges fail with an
// InvalidTransitionError.
func (l *Lifecycle) Transition(rec *Record, req TransitionRequest) error {
	from := rec.Status

	if req.To == StatusEnteredInError {
		// Administrative correction, reachable from any state. Does not
		// imply clinical discontinuation.
		if from == StatusEnteredInError {
			return &InvalidTransitionError{From: from, To: req.To}
		}
		l.commit(rec, from, req)
		return nil
	}

	if !edgeAllowed(from, req.To) {
		return &InvalidTransitionError{From: from, To: req.To}
	}

	switch req.To {
	case StatusActive:
		if from == StatusDraft {
			if err := l.guardActivation(rec, req); err != nil {
				return err
			}
		}
		// on-hold -> active is an unconditional resume.
	case StatusStopped:
		if req.Reason == "" {
			return &ValidationError{Missing: []string{"reason"}}
		}
	case StatusCancelled:
		if req.Reason == "" {
			return &ValidationError{Missing: []string{"reason"}}
		}
	case StatusCompleted:
		// Explicit prescriber completion is always allowed from active;
		// automatic completion goes through CompleteIfExhausted.
	}

	l.commit(rec, from, req)

	if from == StatusDraft && req.To == StatusActive {
		now := l.now()
		rec.AuthoredOn = now
		rec.ValidFrom = now
		rec.Dispense.RefillsRemaining = rec.Dispense.Refills
		if req.OverrideReason != "" {
			rec.OverrideReason = req.OverrideReason
		}
	}
	if req.To == StatusStopped {
		now := l.now()
		rec.DiscontinuedAt = &now
		rec.DiscontinuedReason = req.Reason
	}

	l.logger.Info("prescription transitioned",
		zap.String("prescription_id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.String("actor", req.Actor),
	)
	return nil
}

// CompleteIfExhausted completes an active prescription whose refills are
// depleted and whose current fill's days-supply has elapsed. Returns true if
// a transition happened.
func (l *Lifecycle) CompleteIfExhausted(rec *Record, actor string) (bool, error) {
	if rec.Status != StatusActive {
		return false, nil
	}
	if rec.Dispense.RefillsRemaining != 0 || !rec.SupplyElapsed(l.now()) {
		return false, nil
	}
	err := l.Transition(rec, TransitionRequest{
		To:     StatusCompleted,
		Actor:  actor,
		Reason: "refills exhausted and days supply elapsed",
	})
	return err == nil, err
}

func (l *Lifecycle) guardActivation(rec *Record, req TransitionRequest) error {
	var missing []string
	if rec.Dosage.Text == "" {
		missing = append(missing, "dosage.text")
	}
	if rec.Dispense.Quantity <= 0 {
		missing = append(missing, "dispense.quantity")
	}
	if rec.Dispense.DaysSupply <= 0 {
		missing = append(missing, "dispense.daysSupply")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	if err := l.policy.ValidateRefills(rec.Medication, rec.Dispense.Refills); err != nil {
		return err
	}
	if req.Safety.CriticalSkipped {
		// Blocked on incomplete safety information, not on alerts: the
		// caller can retry once the data source recovers.
		return ErrDegradedEvaluation
	}
	if req.Safety.UnresolvedHigh > 0 {
		return ErrSafetyBlocked
	}
	if req.Safety.NeedsOverride() && req.OverrideReason == "" {
		return ErrSafetyBlocked
	}
	return nil
}

func (l *Lifecycle) commit(rec *Record, from Status, req TransitionRequest) {
	now := l.now()
	rec.Status = req.To
	rec.UpdatedAt = now
	rec.History = append(rec.History, HistoryEntry{
		From:   from,
		To:     req.To,
		Actor:  req.Actor,
		Reason: req.Reason,
		At:     now,
	})
}

func edgeAllowed(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
