package lifecycle

import (
	"context"
	"fmt"
	"time"

	"civicsync-be/models"

	log "github.com/sirupsen/logrus"
)

const digestWindow = 24 * time.Hour

// SweepSLA flags every issue that has passed its SLA deadline since the last
// sweep and emits one sla_breach event per issue. It returns the number of
// issues flagged.
func (s *Service) SweepSLA(ctx context.Context) (int, error) {
	now := s.clock.Now()
	overdue, err := s.issues.ListOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	flagged := 0
	for _, candidate := range overdue {
		if ctx.Err() != nil {
			return flagged, ctx.Err()
		}
		var breached bool
		_, err := s.mutate(ctx, candidate.ID, func(issue *models.Issue) ([]Event, error) {
			breached = false
			if issue.SLABreachedAt != nil || issue.Archived || !IsOverdue(issue, now) {
				return nil, nil
			}
			breached = true
			issue.SLABreachedAt = &now
			ev := Event{Type: EventSLABreached, From: issue.Status, To: issue.Status, OccurredAt: now}
			if issue.DepartmentID != nil {
				if dept, err := s.directory.FindDepartment(ctx, *issue.DepartmentID); err == nil {
					ev.Department = dept
				}
			}
			return []Event{ev}, nil
		})
		if err != nil {
			log.WithError(err).WithField("issue", candidate.Number).Error("sla sweep failed")
			continue
		}
		if breached {
			flagged++
		}
	}
	return flagged, nil
}

// Digest publishes one daily_digest event per active department with its
// open and overdue counts and the issues reported in the last day for each
// category it owns.
func (s *Service) Digest(ctx context.Context) (int, error) {
	now := s.clock.Now()
	since := now.Add(-digestWindow)

	depts, err := s.directory.ListDepartments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list departments: %w", err)
	}
	cats, err := s.directory.ListCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list categories: %w", err)
	}

	var events []Event
	for i := range depts {
		dept := depts[i]
		if !dept.Active {
			continue
		}
		open, overdue, err := s.issues.CountOpenByDepartment(ctx, dept.ID, now)
		if err != nil {
			return 0, fmt.Errorf("count open for %s: %w", dept.Name, err)
		}
		d := &Digest{
			Department: dept,
			Open:       open,
			Overdue:    overdue,
			NewByCat:   make(map[models.IssueCategory]int),
			Since:      since,
		}
		for _, cat := range cats {
			if cat.DepartmentID == nil || *cat.DepartmentID != dept.ID {
				continue
			}
			recent, err := s.issues.FindByCategoryWindow(ctx, cat.Key, since)
			if err != nil {
				return 0, fmt.Errorf("recent %s issues: %w", cat.Key, err)
			}
			d.NewByCat[cat.Key] = len(recent)
		}
		events = append(events, Event{Type: EventDailyDigest, Department: &dept, Digest: d, OccurredAt: now})
	}

	s.publisher.Publish(ctx, events...)
	return len(events), nil
}

// Sweeper runs SweepSLA and Digest on fixed intervals.
type Sweeper struct {
	svc         *Service
	slaEvery    time.Duration
	digestEvery time.Duration
}

// NewSweeper returns a Sweeper. A non-positive interval disables that job.
func NewSweeper(svc *Service, slaEvery, digestEvery time.Duration) *Sweeper {
	return &Sweeper{svc: svc, slaEvery: slaEvery, digestEvery: digestEvery}
}

// Run blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	slaC, stopSLA := ticker(w.slaEvery)
	defer stopSLA()
	digestC, stopDigest := ticker(w.digestEvery)
	defer stopDigest()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-slaC:
			n, err := w.svc.SweepSLA(ctx)
			if err != nil {
				log.WithError(err).Error("sla sweep")
				continue
			}
			if n > 0 {
				log.WithField("breached", n).Info("sla sweep flagged issues")
			}
		case <-digestC:
			n, err := w.svc.Digest(ctx)
			if err != nil {
				log.WithError(err).Error("daily digest")
				continue
			}
			log.WithField("departments", n).Info("daily digest queued")
		}
	}
}

func ticker(every time.Duration) (<-chan time.Time, func()) {
	if every <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(every)
	return t.C, t.Stop
}
