package prescription

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced to callers. NotFound and ValidationFailed are
// never retried automatically; NoRefillsRemaining and InvalidTransition are
// terminal for the requested operation.
var (
	ErrNotFound                     = errors.New("prescription not found")
	ErrNoRefillsRemaining           = errors.New("no refills remaining")
	ErrControlledSubstanceViolation = errors.New("controlled substance violation: schedule II prescriptions cannot carry refills")
	ErrSafetyBlocked                = errors.New("activation blocked by unresolved safety alerts")
	// ErrDegradedEvaluation marks a safety evaluation in which one or more
	// checks could not reach their data source. Activation treats a skipped
	// allergy or interaction check as unresolved, never as clear.
	ErrDegradedEvaluation = errors.New("degraded evaluation: one or more safety checks skipped")
)

// InvalidTransitionError identifies an illegal lifecycle edge. Invalid
// attempts fail loudly; they never silently no-op.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// ValidationError reports the dosing/dispense fields missing before
// activation.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "validation failed: missing " + strings.Join(e.Missing, ", ")
}

// IsValidationFailed reports whether err is a ValidationError.
func IsValidationFailed(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
