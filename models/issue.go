package models

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IssueCategory is the key of a Category document
type IssueCategory string

const (
	Road        IssueCategory = "Road"
	Water       IssueCategory = "Water"
	Sanitation  IssueCategory = "Sanitation"
	Electricity IssueCategory = "Electricity"
	Other       IssueCategory = "Other"
)

// IssueStatus enum
type IssueStatus string

const (
	StatusSubmitted   IssueStatus = "submitted"
	StatusUnderReview IssueStatus = "under_review"
	StatusAssigned    IssueStatus = "assigned"
	StatusInProgress  IssueStatus = "in_progress"
	StatusResolved    IssueStatus = "resolved"
	StatusClosed      IssueStatus = "closed"
	StatusRejected    IssueStatus = "rejected"
	StatusDuplicate   IssueStatus = "duplicate"
	StatusReopened    IssueStatus = "reopened"
	StatusEscalated   IssueStatus = "escalated"
)

// AllStatuses lists every status an issue can be in.
var AllStatuses = []IssueStatus{
	StatusSubmitted, StatusUnderReview, StatusAssigned, StatusInProgress, StatusResolved,
	StatusClosed, StatusRejected, StatusDuplicate, StatusReopened, StatusEscalated,
}

// Valid reports whether s is a known status.
func (s IssueStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Priority enum
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Address holds the free-text location fields of a report
type Address struct {
	Street   string `bson:"street,omitempty" json:"street,omitempty"`
	Ward     string `bson:"ward,omitempty" json:"ward,omitempty"`
	City     string `bson:"city,omitempty" json:"city,omitempty"`
	Landmark string `bson:"landmark,omitempty" json:"landmark,omitempty"`
	Pincode  string `bson:"pincode,omitempty" json:"pincode,omitempty"`
}

// StatusChange is one entry of an issue's append-only status history
type StatusChange struct {
	Status    IssueStatus        `bson:"status" json:"status"`
	From      IssueStatus        `bson:"from,omitempty" json:"from,omitempty"`
	ChangedBy primitive.ObjectID `bson:"changedBy" json:"changedBy"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
	Comment   string             `bson:"comment,omitempty" json:"comment,omitempty"`
}

// Escalation records one increase of an issue's escalation level
type Escalation struct {
	Level       int                `bson:"level" json:"level"`
	EscalatedBy primitive.ObjectID `bson:"escalatedBy" json:"escalatedBy"`
	Reason      string             `bson:"reason" json:"reason"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
}

// Comment is a public remark on an issue
type Comment struct {
	ID        primitive.ObjectID `bson:"_id" json:"id"`
	Author    primitive.ObjectID `bson:"author" json:"author"`
	Text      string             `bson:"text" json:"text"`
	Internal  bool               `bson:"internal" json:"internal"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Issue represents a civic issue reported by a user
type Issue struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Number      string             `bson:"number" json:"number"`
	Title       string             `bson:"title" json:"title"`
	Description string             `bson:"description" json:"description"`
	Category    IssueCategory      `bson:"category" json:"category"`
	Subcategory string             `bson:"subcategory,omitempty" json:"subcategory,omitempty"`
	Priority    Priority           `bson:"priority" json:"priority"`
	IsEmergency bool               `bson:"isEmergency" json:"isEmergency"`
	Latitude    float64            `bson:"latitude" json:"latitude"`
	Longitude   float64            `bson:"longitude" json:"longitude"`
	Address     Address            `bson:"address" json:"address"`
	ImageURLs   []string           `bson:"imageUrls,omitempty" json:"imageUrls,omitempty"`
	CreatedBy   primitive.ObjectID `bson:"createdBy" json:"createdBy"`

	Status        IssueStatus    `bson:"status" json:"status"`
	StatusHistory []StatusChange `bson:"statusHistory" json:"statusHistory"`

	DepartmentID      *primitive.ObjectID `bson:"departmentId,omitempty" json:"departmentId,omitempty"`
	AssignedTo        *primitive.ObjectID `bson:"assignedTo,omitempty" json:"assignedTo,omitempty"`
	AssignedAt        *time.Time          `bson:"assignedAt,omitempty" json:"assignedAt,omitempty"`
	SLADeadline       *time.Time          `bson:"slaDeadline,omitempty" json:"slaDeadline,omitempty"`
	SLABreachedAt     *time.Time          `bson:"slaBreachedAt,omitempty" json:"slaBreachedAt,omitempty"`
	EscalationLevel   int                 `bson:"escalationLevel" json:"escalationLevel"`
	EscalationHistory []Escalation        `bson:"escalationHistory,omitempty" json:"escalationHistory,omitempty"`

	Upvotes    int                  `bson:"upvotes" json:"upvotes"`
	Downvotes  int                  `bson:"downvotes" json:"downvotes"`
	Followers  []primitive.ObjectID `bson:"followers,omitempty" json:"followers,omitempty"`
	Comments   []Comment            `bson:"comments,omitempty" json:"comments,omitempty"`
	ViewCount  int                  `bson:"viewCount" json:"viewCount"`
	ShareCount int                  `bson:"shareCount" json:"shareCount"`

	UrgencyScore int `bson:"urgencyScore" json:"urgencyScore"`

	IsDuplicate     bool                `bson:"isDuplicate" json:"isDuplicate"`
	OriginalIssueID *primitive.ObjectID `bson:"originalIssueId,omitempty" json:"originalIssueId,omitempty"`
	DuplicateCount  int                 `bson:"duplicateCount" json:"duplicateCount"`

	ActualResolutionDate *time.Time          `bson:"actualResolutionDate,omitempty" json:"actualResolutionDate,omitempty"`
	ClosedAt             *time.Time          `bson:"closedAt,omitempty" json:"closedAt,omitempty"`
	Archived             bool                `bson:"archived" json:"archived"`
	ArchivedAt           *time.Time          `bson:"archivedAt,omitempty" json:"archivedAt,omitempty"`
	ArchivedBy           *primitive.ObjectID `bson:"archivedBy,omitempty" json:"archivedBy,omitempty"`

	Version   int64     `bson:"version" json:"version"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// AgeInDays is derived from CreatedAt and never stored.
func (i *Issue) AgeInDays(now time.Time) int {
	if now.Before(i.CreatedAt) {
		return 0
	}
	return int(now.Sub(i.CreatedAt).Hours() / 24)
}

// IsFollowedBy reports whether user follows the issue.
func (i *Issue) IsFollowedBy(user primitive.ObjectID) bool {
	for _, f := range i.Followers {
		if f == user {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	c.ImageURLs = append([]string(nil), i.ImageURLs...)
	c.StatusHistory = append([]StatusChange(nil), i.StatusHistory...)
	c.EscalationHistory = append([]Escalation(nil), i.EscalationHistory...)
	c.Followers = append([]primitive.ObjectID(nil), i.Followers...)
	c.Comments = append([]Comment(nil), i.Comments...)
	c.DepartmentID = cloneID(i.DepartmentID)
	c.AssignedTo = cloneID(i.AssignedTo)
	c.OriginalIssueID = cloneID(i.OriginalIssueID)
	c.ArchivedBy = cloneID(i.ArchivedBy)
	c.AssignedAt = cloneTime(i.AssignedAt)
	c.SLADeadline = cloneTime(i.SLADeadline)
	c.SLABreachedAt = cloneTime(i.SLABreachedAt)
	c.ActualResolutionDate = cloneTime(i.ActualResolutionDate)
	c.ClosedAt = cloneTime(i.ClosedAt)
	c.ArchivedAt = cloneTime(i.ArchivedAt)
	return &c
}

func cloneID(id *primitive.ObjectID) *primitive.ObjectID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IssueFilter narrows store queries over issues
type IssueFilter struct {
	Category        IssueCategory
	Since           time.Time
	ExcludeIDs      []primitive.ObjectID
	IncludeArchived bool
}

// Matches applies the filter to an issue held in memory.
func (f IssueFilter) Matches(i *Issue) bool {
	if f.Category != "" && i.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && i.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.IncludeArchived && i.Archived {
		return false
	}
	for _, id := range f.ExcludeIDs {
		if id == i.ID {
			return false
		}
	}
	return true
}

// IssueSort orders issue listings.
type IssueSort string

const (
	SortUrgency IssueSort = "urgency"
	SortNewest  IssueSort = "newest"
	SortOldest  IssueSort = "oldest"
)

func (s IssueSort) Valid() bool {
	switch s {
	case SortUrgency, SortNewest, SortOldest:
		return true
	}
	return false
}

// IssueQuery selects one page of an issue listing. Page is 1-based.
type IssueQuery struct {
	Status    IssueStatus
	Category  IssueCategory
	CreatedBy *primitive.ObjectID
	Search    string
	// Open drops issues in FinalStatuses.
	Open            bool
	IncludeArchived bool
	Sort            IssueSort
	Page            int
	Limit           int
}

// Matches applies the query's filters to an issue held in memory.
func (q IssueQuery) Matches(i *Issue) bool {
	if q.Status != "" && i.Status != q.Status {
		return false
	}
	if q.Open && i.Status.IsFinal() {
		return false
	}
	if q.Category != "" && i.Category != q.Category {
		return false
	}
	if q.CreatedBy != nil && i.CreatedBy != *q.CreatedBy {
		return false
	}
	if !q.IncludeArchived && i.Archived {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(i.Title), needle) &&
			!strings.Contains(strings.ToLower(i.Description), needle) {
			return false
		}
	}
	return true
}

// Before reports whether a is listed ahead of b. Urgency ties go to the
// older report.
func (q IssueQuery) Before(a, b *Issue) bool {
	switch q.Sort {
	case SortUrgency:
		if a.UrgencyScore != b.UrgencyScore {
			return a.UrgencyScore > b.UrgencyScore
		}
		return a.CreatedAt.Before(b.CreatedAt)
	case SortOldest:
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.CreatedAt.After(b.CreatedAt)
	}
}

// Skip is the number of matches ahead of the requested page.
func (q IssueQuery) Skip() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// FinalStatuses are the statuses in which no more work is expected on an issue.
var FinalStatuses = []IssueStatus{StatusResolved, StatusClosed, StatusRejected, StatusDuplicate}

// IsFinal reports whether s is one of FinalStatuses.
func (s IssueStatus) IsFinal() bool {
	for _, f := range FinalStatuses {
		if s == f {
			return true
		}
	}
	return false
}
