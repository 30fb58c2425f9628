package notifications

import (
	"context"
	"fmt"
	"time"

	"civicsync-be/models"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultInboxSize is how many in-app notifications are kept per user.
const DefaultInboxSize = 100

// InboxItem is one entry of a user's in-app inbox.
type InboxItem struct {
	ID        string              `json:"id"`
	EventType string              `json:"eventType"`
	IssueID   *primitive.ObjectID `json:"issueId,omitempty"`
	Subject   string              `json:"subject"`
	Content   string              `json:"content"`
	CreatedAt time.Time           `json:"createdAt"`
}

// InAppSender keeps a capped, newest-first inbox per user in Redis.
type InAppSender struct {
	rdb  *redis.Client
	size int64
}

// NewInAppSender returns an InAppSender keeping size items per user.
func NewInAppSender(rdb *redis.Client, size int) *InAppSender {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &InAppSender{rdb: rdb, size: int64(size)}
}

func inboxKey(user primitive.ObjectID) string {
	return "notifications:" + user.Hex()
}

func (s *InAppSender) Send(ctx context.Context, n *models.Notification) error {
	data, err := encodeInboxItem(n)
	if err != nil {
		return err
	}
	key := inboxKey(n.RecipientID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.size-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("in-app push: %w", err)
	}
	return nil
}

func encodeInboxItem(n *models.Notification) ([]byte, error) {
	data, err := json.Marshal(InboxItem{
		ID:        n.ID,
		EventType: n.EventType,
		IssueID:   n.IssueID,
		Subject:   n.Subject,
		Content:   n.Content,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("in-app encode: %w", err)
	}
	return data, nil
}

// Inbox returns up to limit of a user's newest in-app notifications.
func (s *InAppSender) Inbox(ctx context.Context, user primitive.ObjectID, limit int) ([]InboxItem, error) {
	if limit <= 0 || int64(limit) > s.size {
		limit = int(s.size)
	}
	raw, err := s.rdb.LRange(ctx, inboxKey(user), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("in-app read: %w", err)
	}
	items := make([]InboxItem, 0, len(raw))
	for _, r := range raw {
		var item InboxItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
