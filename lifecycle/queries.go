package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"civicsync-be/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	analyticsDays   = 7
	mostUrgentLimit = 5
)

// Page is one page of an issue listing.
type Page struct {
	Issues     []*View `json:"issues"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"totalPages"`
}

// CategoryCount is the number of unarchived issues in a category.
type CategoryCount struct {
	Category models.IssueCategory `json:"name"`
	Count    int                  `json:"value"`
}

// DayCount is the number of issues reported on one UTC day.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DepartmentLoad is a department's open and overdue workload.
type DepartmentLoad struct {
	ID      primitive.ObjectID `json:"id"`
	Name    string             `json:"name"`
	Open    int                `json:"open"`
	Overdue int                `json:"overdue"`
}

// Analytics summarizes the issue base for staff dashboards.
type Analytics struct {
	ByCategory  []CategoryCount  `json:"issuesByCategory"`
	LastDays    []DayCount       `json:"last7Days"`
	Departments []DepartmentLoad `json:"departments"`
	MostUrgent  []*View          `json:"mostUrgent"`
	Total       int64            `json:"totalIssues"`
	Open        int              `json:"openIssues"`
	Overdue     int              `json:"overdueIssues"`
}

// List returns one page of issues. Missing paging falls back to page 1 of
// defaultPageSize and listings are ordered by urgency unless asked otherwise.
func (s *Service) List(ctx context.Context, q models.IssueQuery) (*Page, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, q.Status)
	}
	if q.Sort == "" {
		q.Sort = models.SortUrgency
	}
	if !q.Sort.Valid() {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, q.Sort)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > maxPageSize {
		q.Limit = defaultPageSize
	}

	issues, total, err := s.issues.ListIssues(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	page := &Page{
		Issues:     make([]*View, 0, len(issues)),
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: int((total + int64(q.Limit) - 1) / int64(q.Limit)),
	}
	for i := range issues {
		page.Issues = append(page.Issues, s.view(&issues[i]))
	}
	return page, nil
}

// Reported lists the issues user filed, newest first.
func (s *Service) Reported(ctx context.Context, user primitive.ObjectID, page, limit int) (*Page, error) {
	return s.List(ctx, models.IssueQuery{CreatedBy: &user, Sort: models.SortNewest, Page: page, Limit: limit})
}

// Analytics gathers category totals, daily report counts for the last
// week, per-department workload and the most urgent open issues.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	now := s.clock.Now()
	out := &Analytics{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := s.issues.CountByCategory(gctx)
		if err != nil {
			return fmt.Errorf("count by category: %w", err)
		}
		for cat, n := range counts {
			out.ByCategory = append(out.ByCategory, CategoryCount{Category: cat, Count: n})
			out.Total += int64(n)
		}
		sort.Slice(out.ByCategory, func(i, j int) bool {
			if out.ByCategory[i].Count != out.ByCategory[j].Count {
				return out.ByCategory[i].Count > out.ByCategory[j].Count
			}
			return out.ByCategory[i].Category < out.ByCategory[j].Category
		})
		return nil
	})

	g.Go(func() error {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		for i := analyticsDays - 1; i >= 0; i-- {
			day := today.AddDate(0, 0, -i)
			n, err := s.issues.CountCreated(gctx, day, day.AddDate(0, 0, 1))
			if err != nil {
				return fmt.Errorf("count created on %s: %w", day.Format(time.DateOnly), err)
			}
			out.LastDays = append(out.LastDays, DayCount{Date: day.Format(time.DateOnly), Count: n})
		}
		return nil
	})

	g.Go(func() error {
		depts, err := s.directory.ListDepartments(gctx)
		if err != nil {
			return fmt.Errorf("list departments: %w", err)
		}
		sort.Slice(depts, func(i, j int) bool { return depts[i].Name < depts[j].Name })
		for _, d := range depts {
			open, overdue, err := s.issues.CountOpenByDepartment(gctx, d.ID, now)
			if err != nil {
				return fmt.Errorf("count open for %s: %w", d.Name, err)
			}
			out.Departments = append(out.Departments, DepartmentLoad{ID: d.ID, Name: d.Name, Open: open, Overdue: overdue})
			out.Open += open
			out.Overdue += overdue
		}
		return nil
	})

	g.Go(func() error {
		issues, _, err := s.issues.ListIssues(gctx, models.IssueQuery{Open: true, Sort: models.SortUrgency, Limit: mostUrgentLimit})
		if err != nil {
			return fmt.Errorf("list most urgent: %w", err)
		}
		out.MostUrgent = make([]*View, 0, len(issues))
		for i := range issues {
			out.MostUrgent = append(out.MostUrgent, s.view(&issues[i]))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
