package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is returned when a scoring run is requested for a
// subject that already has a run in flight. The caller retries on the
// next scheduled pass.
var ErrRunInProgress = errors.New("scoring run already in progress for subject")

// UnknownRuleError marks a triggered-rule code with no registry entry.
// Recovered locally: the code is excluded from the numeric score but
// still recorded for audit.
type UnknownRuleError struct {
	Code string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule code %q", e.Code)
}

// InvalidTransitionError marks a manual alert-lifecycle call against a
// terminal alert. Surfaced to the caller as a conflict.
type InvalidTransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alert %s: invalid transition %s -> %s", e.AlertID, e.From, e.To)
}

// ScoringTimeoutError marks a run that exceeded its time budget. The
// run is abandoned and the subject retried on the next scheduled pass.
type ScoringTimeoutError struct {
	Subject SubjectRef
	Budget  time.Duration
}

func (e *ScoringTimeoutError) Error() string {
	return fmt.Sprintf("scoring run for %s exceeded %s budget", e.Subject.Key(), e.Budget)
}

// InsufficientHistoryError causes a statistical check to be skipped,
// not failed. It never propagates past the detector.
type InsufficientHistoryError struct {
	Check string
	Have  int
	Need  int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("%s: %d samples available, %d required", e.Check, e.Have, e.Need)
}
