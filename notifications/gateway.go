package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicsync-be/models"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NATSConn is the subset of *nats.Conn the gateway uses.
type NATSConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

var _ NATSConn = (*nats.Conn)(nil)

// GatewayMessage is what the SMS and push gateways consume.
type GatewayMessage struct {
	ID        string                      `json:"id"`
	Channel   models.Channel              `json:"channel"`
	To        string                      `json:"to"`
	Title     string                      `json:"title"`
	Body      string                      `json:"body"`
	EventType string                      `json:"eventType"`
	IssueID   *primitive.ObjectID         `json:"issueId,omitempty"`
	Priority  models.NotificationPriority `json:"priority"`
}

// GatewaySender publishes SMS and push notifications on NATS subjects
// "<prefix>.sms" and "<prefix>.push". A send succeeds once the server has
// acknowledged the flush.
type GatewaySender struct {
	conn   NATSConn
	prefix string
}

// NewGatewaySender returns a GatewaySender publishing under prefix.
func NewGatewaySender(conn NATSConn, prefix string) *GatewaySender {
	return &GatewaySender{conn: conn, prefix: prefix}
}

// Subject returns the subject used for channel c.
func (s *GatewaySender) Subject(c models.Channel) string {
	return s.prefix + "." + string(c)
}

func (s *GatewaySender) Send(ctx context.Context, n *models.Notification) error {
	if n.Type != models.ChannelSMS && n.Type != models.ChannelPush {
		return fmt.Errorf("gateway: unsupported channel %s", n.Type)
	}
	if n.Recipient == "" {
		return errors.New("gateway: recipient is empty")
	}
	data, err := json.Marshal(GatewayMessage{
		ID:        n.ID,
		Channel:   n.Type,
		To:        n.Recipient,
		Title:     n.Subject,
		Body:      n.Content,
		EventType: n.EventType,
		IssueID:   n.IssueID,
		Priority:  n.Priority,
	})
	if err != nil {
		return fmt.Errorf("gateway encode: %w", err)
	}
	if err := s.conn.Publish(s.Subject(n.Type), data); err != nil {
		return fmt.Errorf("gateway publish: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("gateway flush: %w", context.DeadlineExceeded)
	}
	if err := s.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("gateway flush: %w", err)
	}
	return nil
}
