package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Channel is the transport a notification is delivered over
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// NotificationPriority orders delivery in the queue
type NotificationPriority string

const (
	NotifyHigh   NotificationPriority = "high"
	NotifyNormal NotificationPriority = "normal"
	NotifyLow    NotificationPriority = "low"
)

// Rank is lower for more urgent priorities. Unknown values sort with normal.
func (p NotificationPriority) Rank() int {
	switch p {
	case NotifyHigh:
		return 0
	case NotifyLow:
		return 2
	default:
		return 1
	}
}

// NotificationStatus enum
type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "queued"
	NotificationRetry  NotificationStatus = "retry"
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is a queue entry. Its audit copy is stored in the
// notifications collection once it settles.
type Notification struct {
	ID          string               `bson:"_id" json:"id"`
	Type        Channel              `bson:"type" json:"type"`
	EventType   string               `bson:"eventType" json:"eventType"`
	IssueID     *primitive.ObjectID  `bson:"issueId,omitempty" json:"issueId,omitempty"`
	RecipientID primitive.ObjectID   `bson:"recipientId" json:"recipientId"`
	Recipient   string               `bson:"recipient" json:"recipient"`
	Subject     string               `bson:"subject" json:"subject"`
	Content     string               `bson:"content" json:"content"`
	Priority    NotificationPriority `bson:"priority" json:"priority"`
	Status      NotificationStatus   `bson:"status" json:"status"`
	Attempts    int                  `bson:"attempts" json:"attempts"`
	CreatedAt   time.Time            `bson:"createdAt" json:"createdAt"`
	LastAttempt *time.Time           `bson:"lastAttempt,omitempty" json:"lastAttempt,omitempty"`
	SentAt      *time.Time           `bson:"sentAt,omitempty" json:"sentAt,omitempty"`
	FailedAt    *time.Time           `bson:"failedAt,omitempty" json:"failedAt,omitempty"`
	LastError   string               `bson:"lastError,omitempty" json:"lastError,omitempty"`
}
