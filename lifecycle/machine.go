// Package lifecycle owns every change to an issue's status, assignment,
// escalation and duplicate linkage.
//
// Machine applies the rules to an in-memory issue and either mutates it
// completely or leaves it untouched. Service wraps Machine with loading,
// per-issue locking, optimistic saves and event publication.
package lifecycle

import (
	"fmt"
	"time"

	"civicsync-be/clock"
	"civicsync-be/models"
	"civicsync-be/scoring"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MaxEscalationLevel caps Issue.EscalationLevel.
const MaxEscalationLevel = 5

// Assignment is the target of AssignTo.
type Assignment struct {
	Department *models.Department
	// User is optional; when set it must belong to Department.
	User *models.User
	// Category supplies the SLA hours; no deadline is set when nil.
	Category *models.Category
}

// Classification holds the fields that feed the urgency score.
type Classification struct {
	Category    models.IssueCategory
	Subcategory string
	Priority    models.Priority
	IsEmergency bool
}

// Machine enforces the issue state machine.
type Machine struct {
	clock  clock.Clock
	scorer *scoring.Scorer
}

// NewMachine returns a Machine reading time from c (real time when nil).
func NewMachine(c clock.Clock) *Machine {
	c = clock.OrReal(c)
	return &Machine{clock: c, scorer: scoring.NewScorer(c)}
}

// Open prepares a new report: initial status and history entry, timestamps
// and urgency score.
func (m *Machine) Open(issue *models.Issue, reporter primitive.ObjectID) Event {
	now := m.clock.Now()
	issue.CreatedBy = reporter
	issue.CreatedAt = now
	issue.UpdatedAt = now
	issue.Status = models.StatusSubmitted
	issue.StatusHistory = nil
	m.appendHistory(issue, models.StatusSubmitted, reporter, "Issue reported", now)
	m.scorer.RecomputeUrgency(issue)

	return Event{
		Type:       EventIssueCreated,
		Actor:      reporter,
		To:         models.StatusSubmitted,
		OccurredAt: now,
	}
}

// Transition moves issue to status to.
func (m *Machine) Transition(issue *models.Issue, to models.IssueStatus, actor primitive.ObjectID, notes string) (Event, error) {
	if issue.Archived {
		return Event{}, ErrArchived
	}
	from := issue.Status
	if err := checkTransition(from, to); err != nil {
		return Event{}, err
	}

	now := m.clock.Now()
	m.appendHistory(issue, to, actor, notes, now)
	issue.Status = to
	switch to {
	case models.StatusResolved:
		issue.ActualResolutionDate = &now
	case models.StatusReopened:
		issue.ActualResolutionDate = nil
		issue.ClosedAt = nil
	}
	issue.UpdatedAt = now

	return Event{
		Type:       EventStatusChanged,
		Actor:      actor,
		From:       from,
		To:         to,
		Notes:      notes,
		OccurredAt: now,
	}, nil
}

func checkTransition(from, to models.IssueStatus) error {
	if from == models.StatusDuplicate {
		return &TerminalStateError{Status: from, Requested: to}
	}
	if IsTerminal(from) && to != models.StatusReopened {
		return &TerminalStateError{Status: from, Requested: to}
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Close archives a resolved issue as closed. It is the only way into closed.
func (m *Machine) Close(issue *models.Issue, actor primitive.ObjectID, notes string) (Event, error) {
	if issue.Archived {
		return Event{}, ErrArchived
	}
	from := issue.Status
	if from != models.StatusResolved {
		if IsTerminal(from) {
			return Event{}, &TerminalStateError{Status: from, Requested: models.StatusClosed}
		}
		return Event{}, &InvalidTransitionError{From: from, To: models.StatusClosed}
	}

	now := m.clock.Now()
	m.appendHistory(issue, models.StatusClosed, actor, notes, now)
	issue.Status = models.StatusClosed
	issue.ClosedAt = &now
	issue.UpdatedAt = now

	return Event{
		Type:       EventStatusChanged,
		Actor:      actor,
		From:       from,
		To:         models.StatusClosed,
		Notes:      notes,
		OccurredAt: now,
	}, nil
}

// AssignTo sets the department (and optionally the staff member) handling
// the issue and computes its SLA deadline. Status is left alone; callers
// follow up with a transition to assigned.
func (m *Machine) AssignTo(issue *models.Issue, a Assignment, actor primitive.ObjectID) (Event, error) {
	if issue.Archived {
		return Event{}, ErrArchived
	}
	if IsTerminal(issue.Status) {
		return Event{}, &TerminalStateError{Status: issue.Status, Requested: models.StatusAssigned}
	}
	if err := validateAssignment(a); err != nil {
		return Event{}, err
	}

	now := m.clock.Now()
	deptID := a.Department.ID
	issue.DepartmentID = &deptID
	issue.AssignedTo = nil
	if a.User != nil {
		userID := a.User.ID
		issue.AssignedTo = &userID
	}
	issue.AssignedAt = &now
	if a.Category != nil && a.Category.SLAHours > 0 {
		deadline := SLADeadline(issue, a.Category)
		issue.SLADeadline = &deadline
	}
	issue.UpdatedAt = now

	return Event{
		Type:       EventAssigned,
		Actor:      actor,
		From:       issue.Status,
		To:         issue.Status,
		Department: a.Department,
		OccurredAt: now,
	}, nil
}

func validateAssignment(a Assignment) error {
	if a.Department == nil {
		return &InvalidAssignmentError{Reason: "department is required"}
	}
	if !a.Department.Active {
		return &InvalidAssignmentError{Reason: fmt.Sprintf("department %q is inactive", a.Department.Name)}
	}
	if a.User == nil {
		return nil
	}
	if !a.User.IsStaff() {
		return &InvalidAssignmentError{Reason: fmt.Sprintf("user %s is not staff", a.User.ID.Hex())}
	}
	if !a.User.BelongsTo(a.Department.ID) {
		return &InvalidAssignmentError{
			Reason: fmt.Sprintf("user %s is not a member of department %q", a.User.ID.Hex(), a.Department.Name),
		}
	}
	return nil
}

// Escalate raises the escalation level by one. It is independent of status.
func (m *Machine) Escalate(issue *models.Issue, actor primitive.ObjectID, reason string) (Event, error) {
	if issue.Archived {
		return Event{}, ErrArchived
	}
	if issue.EscalationLevel >= MaxEscalationLevel {
		return Event{}, &MaxEscalationError{Level: issue.EscalationLevel}
	}

	now := m.clock.Now()
	issue.EscalationLevel++
	issue.EscalationHistory = append(issue.EscalationHistory, models.Escalation{
		Level:       issue.EscalationLevel,
		EscalatedBy: actor,
		Reason:      reason,
		Timestamp:   now,
	})
	issue.UpdatedAt = now

	return Event{
		Type:       EventEscalated,
		Actor:      actor,
		From:       issue.Status,
		To:         issue.Status,
		Notes:      reason,
		OccurredAt: now,
	}, nil
}

// MarkDuplicate links issue to original and moves it to duplicate.
// original.DuplicateCount is incremented on every call.
func (m *Machine) MarkDuplicate(issue, original *models.Issue, actor primitive.ObjectID, notes string) (Event, error) {
	if original == nil {
		return Event{}, fmt.Errorf("original issue is required")
	}
	if issue.ID == original.ID {
		return Event{}, &SelfReferenceError{IssueID: issue.ID.Hex()}
	}
	if issue.Archived {
		return Event{}, ErrArchived
	}
	if original.Archived {
		return Event{}, &InvalidOriginalError{Number: original.Number, Reason: "archived"}
	}
	if original.IsDuplicate || original.Status == models.StatusDuplicate {
		return Event{}, &InvalidOriginalError{Number: original.Number, Reason: "already a duplicate"}
	}
	from := issue.Status
	if IsTerminal(from) {
		return Event{}, &TerminalStateError{Status: from, Requested: models.StatusDuplicate}
	}
	if !canMarkDuplicate(from) {
		return Event{}, &InvalidTransitionError{From: from, To: models.StatusDuplicate}
	}

	now := m.clock.Now()
	if notes == "" {
		notes = "Duplicate of " + original.Number
	}
	originalID := original.ID
	issue.IsDuplicate = true
	issue.OriginalIssueID = &originalID
	m.appendHistory(issue, models.StatusDuplicate, actor, notes, now)
	issue.Status = models.StatusDuplicate
	issue.UpdatedAt = now
	original.DuplicateCount++

	return Event{
		Type:       EventStatusChanged,
		Actor:      actor,
		From:       from,
		To:         models.StatusDuplicate,
		Notes:      notes,
		OccurredAt: now,
	}, nil
}

// Reclassify updates the scoring inputs and recomputes urgency. A category
// change moves the SLA deadline when the new category is supplied.
func (m *Machine) Reclassify(issue *models.Issue, c Classification, category *models.Category) error {
	if issue.Archived {
		return ErrArchived
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidReport, c.Priority)
	}
	issue.Priority = c.Priority
	issue.IsEmergency = c.IsEmergency
	issue.Subcategory = c.Subcategory
	if c.Category != "" && c.Category != issue.Category {
		issue.Category = c.Category
		if issue.DepartmentID != nil && category != nil && category.SLAHours > 0 {
			deadline := SLADeadline(issue, category)
			issue.SLADeadline = &deadline
		}
	}
	issue.UpdatedAt = m.clock.Now()
	m.scorer.RecomputeUrgency(issue)
	return nil
}

// RecomputeUrgency refreshes the stored urgency score.
func (m *Machine) RecomputeUrgency(issue *models.Issue) int {
	return m.scorer.RecomputeUrgency(issue)
}

// IsOverdue reports whether issue has passed its SLA deadline without
// reaching a final status. It is derived on read and never stored.
func (m *Machine) IsOverdue(issue *models.Issue) bool {
	return IsOverdue(issue, m.clock.Now())
}

// IsOverdue is the clock-free form of Machine.IsOverdue.
func IsOverdue(issue *models.Issue, now time.Time) bool {
	if issue.SLADeadline == nil || issue.Status.IsFinal() {
		return false
	}
	return now.After(*issue.SLADeadline)
}

// SLADeadline is createdAt plus the category's hours-to-resolve.
func SLADeadline(issue *models.Issue, category *models.Category) time.Time {
	return issue.CreatedAt.Add(time.Duration(category.SLAHours) * time.Hour)
}

// appendHistory is the only writer of StatusHistory.
func (m *Machine) appendHistory(issue *models.Issue, to models.IssueStatus, actor primitive.ObjectID, comment string, at time.Time) {
	issue.StatusHistory = append(issue.StatusHistory, models.StatusChange{
		Status:    to,
		From:      issue.Status,
		ChangedBy: actor,
		Timestamp: at,
		Comment:   comment,
	})
}
