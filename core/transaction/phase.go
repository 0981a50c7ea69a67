package transaction

import (
	"fmt"
	"time"
)

// validTransitions is the complete whitelist of phase transitions. Any pair
// missing from it, including every move out of a terminal phase, is rejected.
var validTransitions = map[Phase][]Phase{
	PhaseInitiated: {PhasePreparing},
	PhasePreparing: {PhasePrepared, PhaseRolledBack, PhaseTimedOut},
	PhasePrepared:  {PhaseCommitted, PhaseRolledBack, PhaseTimedOut},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidPhase for an illegal move.
func ValidateTransition(from, to Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhase, from, to)
	}
	return nil
}

// Transition moves the log to the next phase, stamping updated_at.
func (l *TransactionLog) Transition(to Phase, at time.Time) error {
	if err := ValidateTransition(l.Phase, to); err != nil {
		return err
	}
	l.Phase = to
	l.UpdatedAt = at
	return nil
}
