// Package store defines the persistence contracts of the issue core and
// provides MongoDB and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicsync-be/geo"
	"civicsync-be/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateKey    = errors.New("duplicate key")
)

// IssueStore persists issues.
type IssueStore interface {
	geo.Source

	// CreateIssue assigns ID, Number and Version and inserts the issue.
	CreateIssue(ctx context.Context, issue *models.Issue) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Issue, error)
	// Save replaces the stored issue if its version still matches and bumps
	// issue.Version. A stale copy yields ErrVersionConflict.
	Save(ctx context.Context, issue *models.Issue) error
	// AddDuplicateCount moves duplicateCount by delta. It is the only write
	// that touches the counter.
	AddDuplicateCount(ctx context.Context, id primitive.ObjectID, delta int) error
	FindByCategoryWindow(ctx context.Context, category models.IssueCategory, since time.Time) ([]models.Issue, error)
	// ListOverdue returns unarchived, non-final issues past their SLA
	// deadline that have not been flagged as breached yet.
	ListOverdue(ctx context.Context, now time.Time) ([]models.Issue, error)
	CountOpenByDepartment(ctx context.Context, dept primitive.ObjectID, now time.Time) (open, overdue int, err error)
	// ListIssues returns one page of matches and the total number of matches.
	ListIssues(ctx context.Context, q models.IssueQuery) ([]models.Issue, int64, error)
	// CountByCategory counts unarchived issues per category.
	CountByCategory(ctx context.Context) (map[models.IssueCategory]int, error)
	// CountCreated counts unarchived issues created in [from, to).
	CountCreated(ctx context.Context, from, to time.Time) (int, error)
}

// VoteStore keeps one vote per (issue, user).
type VoteStore interface {
	FindVote(ctx context.Context, issue, user primitive.ObjectID) (*models.Vote, error)
	UpsertVote(ctx context.Context, vote models.Vote) error
	DeleteVote(ctx context.Context, issue, user primitive.ObjectID) error
	TallyVotes(ctx context.Context, issue primitive.ObjectID) (models.VoteTally, error)
}

// Directory looks up users, departments and categories.
type Directory interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindUser(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUsers(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error)
	FindDepartmentStaff(ctx context.Context, dept primitive.ObjectID) ([]models.User, error)
	FindDepartment(ctx context.Context, id primitive.ObjectID) (*models.Department, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	FindCategory(ctx context.Context, key models.IssueCategory) (*models.Category, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
}

// NotificationLog is the audit trail of notifications.
type NotificationLog interface {
	SaveNotification(ctx context.Context, n models.Notification) error
	FindNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, statuses ...models.NotificationStatus) ([]models.Notification, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	IssueStore
	VoteStore
	Directory
	NotificationLog
}

// FormatIssueNumber renders the human-readable sequence number.
func FormatIssueNumber(year int, seq int64) string {
	return fmt.Sprintf("CS-%d-%06d", year, seq)
}
