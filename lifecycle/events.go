package lifecycle

import (
	"context"
	"time"

	"civicsync-be/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventType names a domain event. The values double as notification
// template keys.
type EventType string

const (
	EventIssueCreated  EventType = "issue_created"
	EventStatusChanged EventType = "status_update"
	EventAssigned      EventType = "issue_assigned"
	EventEscalated     EventType = "issue_escalated"
	EventSLABreached   EventType = "sla_breach"
	EventDailyDigest   EventType = "daily_digest"
	EventVoteCast      EventType = "vote_cast"
	EventCommentAdded  EventType = "comment_added"
	EventIssueArchived EventType = "issue_archived"
	EventFollowerAdded EventType = "follower_added"
)

// Event is emitted after a lifecycle change has been persisted.
type Event struct {
	Type       EventType
	Issue      *models.Issue // snapshot after the change
	Actor      primitive.ObjectID
	From       models.IssueStatus
	To         models.IssueStatus
	Notes      string
	Department *models.Department
	Digest     *Digest
	OccurredAt time.Time
}

// Digest summarizes a department's queue for the daily digest.
type Digest struct {
	Department models.Department
	Open       int
	Overdue    int
	NewByCat   map[models.IssueCategory]int
	Since      time.Time
}

// Publisher receives events. Implementations must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events ...Event)

func (f PublisherFunc) Publish(ctx context.Context, events ...Event) { f(ctx, events...) }

type discard struct{}

func (discard) Publish(context.Context, ...Event) {}
