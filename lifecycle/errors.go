package lifecycle

import (
	"errors"
	"fmt"

	"civicsync-be/models"
)

var (
	ErrInvalidTransition           = errors.New("invalid transition")
	ErrTerminalState               = errors.New("issue is in a terminal state")
	ErrMaxEscalation               = errors.New("max escalation reached")
	ErrSelfReference               = errors.New("issue cannot duplicate itself")
	ErrInvalidDepartmentAssignment = errors.New("invalid department assignment")
	ErrArchived                    = errors.New("issue is archived")
	ErrInvalidOriginal             = errors.New("invalid original issue")

	// ErrInvalidReport wraps input problems on create and reclassify.
	ErrInvalidReport = errors.New("invalid report")
	// ErrInvalidQuery wraps bad listing filters.
	ErrInvalidQuery = errors.New("invalid query")
)

// InvalidTransitionError reports a status change missing from the adjacency table.
type InvalidTransitionError struct {
	From, To models.IssueStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// TerminalStateError reports an attempt to leave a terminal status other than by reopening.
type TerminalStateError struct {
	Status    models.IssueStatus
	Requested models.IssueStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("issue is %s: cannot move to %s", e.Status, e.Requested)
}

func (e *TerminalStateError) Is(target error) bool { return target == ErrTerminalState }

// MaxEscalationError reports an escalation past MaxEscalationLevel.
type MaxEscalationError struct {
	Level int
}

func (e *MaxEscalationError) Error() string {
	return fmt.Sprintf("max escalation reached: level %d", e.Level)
}

func (e *MaxEscalationError) Is(target error) bool { return target == ErrMaxEscalation }

// SelfReferenceError reports marking an issue as a duplicate of itself.
type SelfReferenceError struct {
	IssueID string
}

func (e *SelfReferenceError) Error() string {
	return fmt.Sprintf("issue %s cannot be marked a duplicate of itself", e.IssueID)
}

func (e *SelfReferenceError) Is(target error) bool { return target == ErrSelfReference }

// InvalidAssignmentError reports an inactive department or a user outside it.
type InvalidAssignmentError struct {
	Reason string
}

func (e *InvalidAssignmentError) Error() string {
	return "invalid department assignment: " + e.Reason
}

func (e *InvalidAssignmentError) Is(target error) bool {
	return target == ErrInvalidDepartmentAssignment
}

// InvalidOriginalError reports a duplicate link to an issue that cannot
// stand as the original: one that is archived or itself a duplicate.
type InvalidOriginalError struct {
	Number string
	Reason string
}

func (e *InvalidOriginalError) Error() string {
	return fmt.Sprintf("issue %s cannot be an original: %s", e.Number, e.Reason)
}

func (e *InvalidOriginalError) Is(target error) bool { return target == ErrInvalidOriginal }

// IsRuleViolation reports whether err is one of the state-machine errors
// above, as opposed to a store or infrastructure failure.
func IsRuleViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrMaxEscalation) ||
		errors.Is(err, ErrSelfReference) ||
		errors.Is(err, ErrInvalidDepartmentAssignment) ||
		errors.Is(err, ErrArchived) ||
		errors.Is(err, ErrInvalidOriginal)
}
