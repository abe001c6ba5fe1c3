package prescription

// Policy holds jurisdiction-sensitive dispensing limits. Real-world refill
// ceilings vary by schedule and jurisdiction, so they are injected rather
// than hard-coded at call sites.
type Policy struct {
	// MaxRefillsBySchedule caps authorized refills per DEA schedule.
	MaxRefillsBySchedule map[Schedule]int
	// MaxRefillsUnscheduled caps refills for non-controlled medications.
	MaxRefillsUnscheduled int
}

// DefaultPolicy returns the federal baseline: Schedule II never refills,
// Schedules III-V and non-controlled medications cap at five.
func DefaultPolicy() Policy {
	return Policy{
		MaxRefillsBySchedule: map[Schedule]int{
			ScheduleII:  0,
			ScheduleIII: 5,
			ScheduleIV:  5,
			ScheduleV:   5,
		},
		MaxRefillsUnscheduled: 5,
	}
}

// MaxRefills returns the refill ceiling for the given medication.
func (p Policy) MaxRefills(m Medication) int {
	if !m.IsControlled {
		return p.MaxRefillsUnscheduled
	}
	if max, ok := p.MaxRefillsBySchedule[m.Schedule]; ok {
		return max
	}
	// Unknown schedule on a controlled medication: most restrictive.
	return 0
}

// ValidateRefills checks a requested refill count against policy. A Schedule
// II medication with any refills is a ControlledSubstanceViolation; other
// excesses are ordinary validation failures.
func (p Policy) ValidateRefills(m Medication, refills int) error {
	if refills < 0 {
		return &ValidationError{Missing: []string{"dispense.refills"}}
	}
	max := p.MaxRefills(m)
	if refills <= max {
		return nil
	}
	if m.IsControlled && m.Schedule == ScheduleII {
		return ErrControlledSubstanceViolation
	}
	return &ValidationError{Missing: []string{"dispense.refills within policy limit"}}
}
