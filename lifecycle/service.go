package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"civicsync-be/clock"
	"civicsync-be/duplicates"
	"civicsync-be/geo"
	"civicsync-be/models"
	"civicsync-be/store"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxSaveAttempts bounds the reload-and-retry loop on version conflicts.
const maxSaveAttempts = 3

// Issues is the persistence the service mutates.
type Issues interface {
	store.IssueStore
	store.VoteStore
}

// Report is a citizen's new issue.
type Report struct {
	Title       string
	Description string
	Category    models.IssueCategory
	Subcategory string
	Priority    models.Priority
	IsEmergency bool
	Latitude    float64
	Longitude   float64
	Address     models.Address
	ImageURLs   []string
}

// View is an issue plus the values derived on read.
type View struct {
	*models.Issue
	AgeInDays int  `json:"ageInDays"`
	Overdue   bool `json:"isOverdue"`
	// Next lists the statuses a status change may move to right now.
	Next []models.IssueStatus `json:"allowedTransitions"`
}

// Deps wires a Service.
type Deps struct {
	Issues    Issues
	Directory store.Directory
	Detector  *duplicates.Detector
	Publisher Publisher
	Clock     clock.Clock
}

// Service applies lifecycle operations to stored issues. Each operation
// holds the issue's lock, loads a fresh copy, applies the rule, saves with
// a version check and publishes events only after the save succeeded.
type Service struct {
	issues    Issues
	directory store.Directory
	detector  *duplicates.Detector
	publisher Publisher
	clock     clock.Clock
	machine   *Machine
	locks     *keyedMutex
}

// NewService builds a Service. Publisher and Detector are optional.
func NewService(d Deps) *Service {
	c := clock.OrReal(d.Clock)
	pub := d.Publisher
	if pub == nil {
		pub = discard{}
	}
	return &Service{
		issues:    d.Issues,
		directory: d.Directory,
		detector:  d.Detector,
		publisher: pub,
		clock:     c,
		machine:   NewMachine(c),
		locks:     newKeyedMutex(),
	}
}

// Create validates and stores a new report, then runs duplicate detection.
// Detection failures never block creation.
func (s *Service) Create(ctx context.Context, r Report, reporter primitive.ObjectID) (*models.Issue, []duplicates.Candidate, error) {
	if err := s.validateReport(ctx, &r); err != nil {
		return nil, nil, err
	}

	issue := &models.Issue{
		Title:       strings.TrimSpace(r.Title),
		Description: strings.TrimSpace(r.Description),
		Category:    r.Category,
		Subcategory: r.Subcategory,
		Priority:    r.Priority,
		IsEmergency: r.IsEmergency,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Address:     r.Address,
		ImageURLs:   r.ImageURLs,
	}
	ev := s.machine.Open(issue, reporter)
	if err := s.issues.CreateIssue(ctx, issue); err != nil {
		return nil, nil, fmt.Errorf("create issue: %w", err)
	}

	var candidates []duplicates.Candidate
	if s.detector != nil {
		candidates = s.detector.Check(ctx, issue)
	}

	ev.Issue = issue.Clone()
	s.publisher.Publish(ctx, ev)
	log.WithFields(log.Fields{
		"issue":      issue.Number,
		"category":   issue.Category,
		"urgency":    issue.UrgencyScore,
		"candidates": len(candidates),
	}).Info("issue created")
	return issue, candidates, nil
}

func (s *Service) validateReport(ctx context.Context, r *Report) error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidReport)
	}
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidReport, r.Priority)
	}
	if !(geo.Point{Lat: r.Latitude, Lng: r.Longitude}).Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidReport)
	}
	if r.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidReport)
	}
	cat, err := s.directory.FindCategory(ctx, r.Category)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidReport, r.Category)
	}
	if err != nil {
		return fmt.Errorf("find category: %w", err)
	}
	if !cat.Active {
		return fmt.Errorf("%w: category %q is inactive", ErrInvalidReport, r.Category)
	}
	return nil
}

// Get returns an issue with its derived fields.
func (s *Service) Get(ctx context.Context, id primitive.ObjectID) (*View, error) {
	issue, err := s.issues.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(issue), nil
}

func (s *Service) view(issue *models.Issue) *View {
	now := s.clock.Now()
	return &View{
		Issue:     issue,
		AgeInDays: issue.AgeInDays(now),
		Overdue:   IsOverdue(issue, now),
		Next:      allowedNext(issue),
	}
}

// allowedNext is what ChangeStatus would accept, including the close that
// ChangeStatus hands to Close.
func allowedNext(issue *models.Issue) []models.IssueStatus {
	if issue.Archived {
		return []models.IssueStatus{}
	}
	next := NextStatuses(issue.Status)
	if issue.Status == models.StatusResolved {
		next = append(next, models.StatusClosed)
	}
	return next
}

// ChangeStatus moves an issue to status to.
func (s *Service) ChangeStatus(ctx context.Context, id primitive.ObjectID, to models.IssueStatus, actor primitive.ObjectID, notes string) (*models.Issue, error) {
	if to == models.StatusClosed {
		return s.Close(ctx, id, actor, notes)
	}
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		ev, err := s.machine.Transition(issue, to, actor, notes)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	})
}

// Close moves a resolved issue to closed.
func (s *Service) Close(ctx context.Context, id primitive.ObjectID, actor primitive.ObjectID, notes string) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		ev, err := s.machine.Close(issue, actor, notes)
		if err != nil {
			return nil, err
		}
		return []Event{ev}, nil
	})
}

// Assign routes an issue to a department and optionally a staff member.
// When the issue is still submitted, under review or reopened it is also
// moved to assigned.
func (s *Service) Assign(ctx context.Context, id, deptID primitive.ObjectID, userID *primitive.ObjectID, actor primitive.ObjectID) (*models.Issue, error) {
	dept, err := s.currentDepartment(ctx, deptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &InvalidAssignmentError{Reason: "department " + deptID.Hex() + " does not exist"}
	}
	if err != nil {
		return nil, fmt.Errorf("find department: %w", err)
	}
	a := Assignment{Department: dept}
	if userID != nil {
		user, err := s.directory.FindUser(ctx, *userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InvalidAssignmentError{Reason: "user " + userID.Hex() + " does not exist"}
		}
		if err != nil {
			return nil, fmt.Errorf("find user: %w", err)
		}
		a.User = user
	}

	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		a.Category = s.category(ctx, issue.Category)
		ev, err := s.machine.AssignTo(issue, a, actor)
		if err != nil {
			return nil, err
		}
		events := []Event{ev}
		if CanTransition(issue.Status, models.StatusAssigned) && issue.Status != models.StatusInProgress {
			moved, err := s.machine.Transition(issue, models.StatusAssigned, actor, "Assigned to "+dept.Name)
			if err != nil {
				return nil, err
			}
			events = append(events, moved)
		}
		return events, nil
	})
}

// departmentRefresher is implemented by caching directories.
type departmentRefresher interface {
	RefreshDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error)
}

// currentDepartment skips any directory cache, so a department deactivated
// a moment ago no longer accepts assignments.
func (s *Service) currentDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error) {
	if r, ok := s.directory.(departmentRefresher); ok {
		return r.RefreshDepartment(ctx, id)
	}
	return s.directory.FindDepartment(ctx, id)
}

// category looks up SLA settings; a failed lookup only loses the deadline.
func (s *Service) category(ctx context.Context, key models.IssueCategory) *models.Category {
	cat, err := s.directory.FindCategory(ctx, key)
	if err != nil {
		log.WithError(err).WithField("category", key).Warn("category lookup failed, no SLA deadline set")
		return nil
	}
	return cat
}

// Escalate raises an issue's escalation level.
func (s *Service) Escalate(ctx context.Context, id primitive.ObjectID, actor primitive.ObjectID, reason string) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		ev, err := s.machine.Escalate(issue, actor, reason)
		if err != nil {
			return nil, err
		}
		if issue.DepartmentID != nil {
			if dept, err := s.directory.FindDepartment(ctx, *issue.DepartmentID); err == nil {
				ev.Department = dept
			}
		}
		return []Event{ev}, nil
	})
}

// MarkDuplicate links id to originalID. Both issues are locked for the
// duration. The original's duplicate count is bumped before the duplicate is
// saved and taken back if that save fails.
func (s *Service) MarkDuplicate(ctx context.Context, id, originalID primitive.ObjectID, actor primitive.ObjectID, notes string) (*models.Issue, error) {
	if id == originalID {
		return nil, &SelfReferenceError{IssueID: id.Hex()}
	}
	unlock := s.locks.Lock(id.Hex(), originalID.Hex())
	defer unlock()

	return s.mutateLockedWith(ctx, id, func(issue *models.Issue, undo *rollback) ([]Event, error) {
		original, err := s.issues.FindByID(ctx, originalID)
		if err != nil {
			return nil, fmt.Errorf("find original: %w", err)
		}
		ev, err := s.machine.MarkDuplicate(issue, original, actor, notes)
		if err != nil {
			return nil, err
		}
		if err := s.issues.AddDuplicateCount(ctx, originalID, 1); err != nil {
			return nil, fmt.Errorf("increment duplicate count of %s: %w", original.Number, err)
		}
		undo.add("duplicate count of "+original.Number, func(ctx context.Context) error {
			return s.issues.AddDuplicateCount(ctx, originalID, -1)
		})
		return []Event{ev}, nil
	})
}

// Reclassify changes the priority inputs of an issue.
func (s *Service) Reclassify(ctx context.Context, id primitive.ObjectID, c Classification) (*models.Issue, error) {
	if c.Category != "" {
		if _, err := s.directory.FindCategory(ctx, c.Category); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidReport, c.Category)
			}
			return nil, fmt.Errorf("find category: %w", err)
		}
	}
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		var cat *models.Category
		if c.Category != "" {
			cat = s.category(ctx, c.Category)
		}
		return nil, s.machine.Reclassify(issue, c, cat)
	})
}

// Archive hides an issue from listings and freezes it. Archiving twice is a no-op.
func (s *Service) Archive(ctx context.Context, id primitive.ObjectID, actor primitive.ObjectID) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		if issue.Archived {
			return nil, nil
		}
		now := s.clock.Now()
		issue.Archived = true
		issue.ArchivedAt = &now
		issue.ArchivedBy = &actor
		issue.UpdatedAt = now
		return []Event{{Type: EventIssueArchived, Actor: actor, From: issue.Status, To: issue.Status, OccurredAt: now}}, nil
	})
}

// Nearby lists same-category issues around a point.
func (s *Service) Nearby(ctx context.Context, category models.IssueCategory, point geo.Point, radiusMeters float64) ([]duplicates.Candidate, error) {
	if s.detector == nil {
		return nil, nil
	}
	return s.detector.FindCandidates(ctx, category, point, radiusMeters)
}

// Duplicates re-runs duplicate detection for a stored issue.
func (s *Service) Duplicates(ctx context.Context, id primitive.ObjectID) ([]duplicates.Candidate, error) {
	issue, err := s.issues.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.detector == nil {
		return nil, nil
	}
	return s.detector.Check(ctx, issue), nil
}

type mutation func(issue *models.Issue) ([]Event, error)

// tracked is a mutation that also writes outside the issue document and
// registers how to take those writes back.
type tracked func(issue *models.Issue, undo *rollback) ([]Event, error)

// rollback holds compensating writes, run newest first when the issue
// save does not go through.
type rollback struct {
	steps []rollbackStep
}

type rollbackStep struct {
	what string
	fn   func(ctx context.Context) error
}

func (r *rollback) add(what string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, rollbackStep{what: what, fn: fn})
}

func (r *rollback) run(ctx context.Context, issueID primitive.ObjectID) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		if err := r.steps[i].fn(ctx); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"issue": issueID.Hex(),
				"step":  r.steps[i].what,
			}).Error("rollback failed")
		}
	}
	r.steps = nil
}

func (s *Service) mutate(ctx context.Context, id primitive.ObjectID, fn mutation) (*models.Issue, error) {
	unlock := s.locks.Lock(id.Hex())
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

func (s *Service) mutateWith(ctx context.Context, id primitive.ObjectID, fn tracked) (*models.Issue, error) {
	unlock := s.locks.Lock(id.Hex())
	defer unlock()
	return s.mutateLockedWith(ctx, id, fn)
}

func (s *Service) mutateLocked(ctx context.Context, id primitive.ObjectID, fn mutation) (*models.Issue, error) {
	return s.mutateLockedWith(ctx, id, func(issue *models.Issue, _ *rollback) ([]Event, error) {
		return fn(issue)
	})
}

// mutateLockedWith runs fn against a fresh copy and saves it. fn is rerun on
// a reloaded copy when another writer got there first. Writes fn made
// elsewhere are rolled back whenever fn or the save fails. Events are
// stamped with the saved snapshot and published only after the save.
func (s *Service) mutateLockedWith(ctx context.Context, id primitive.ObjectID, fn tracked) (*models.Issue, error) {
	for attempt := 1; ; attempt++ {
		issue, err := s.issues.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		undo := &rollback{}
		events, err := fn(issue, undo)
		if err != nil {
			undo.run(context.WithoutCancel(ctx), id)
			return nil, err
		}

		err = s.issues.Save(ctx, issue)
		if err != nil {
			undo.run(context.WithoutCancel(ctx), id)
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxSaveAttempts {
			log.WithFields(log.Fields{"issue": issue.Number, "attempt": attempt}).Debug("version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save issue %s: %w", issue.Number, err)
		}

		if len(events) > 0 {
			snapshot := issue.Clone()
			for i := range events {
				events[i].Issue = snapshot
			}
			s.publisher.Publish(ctx, events...)
		}
		return issue, nil
	}
}
