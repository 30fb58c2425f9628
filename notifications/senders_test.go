package notifications

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"civicsync-be/models"
	"civicsync-be/notifications/mocks"

	"github.com/emersion/go-message/mail"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/mock/gomock"
)

func TestRouter_SendsByChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	email := mocks.NewMockSender(ctrl)
	sms := mocks.NewMockSender(ctrl)
	r := NewRouter().Handle(models.ChannelEmail, email).Handle(models.ChannelSMS, sms)

	n := &models.Notification{ID: "1", Type: models.ChannelSMS}
	sms.EXPECT().Send(gomock.Any(), n).Return(nil)
	require.NoError(t, r.Send(context.Background(), n))

	require.True(t, r.Supports(models.ChannelEmail))
	require.False(t, r.Supports(models.ChannelPush))
	err := r.Send(context.Background(), &models.Notification{Type: models.ChannelPush})
	require.ErrorIs(t, err, ErrNoSender)
}

func TestEmailSender_RendersMessage(t *testing.T) {
	var gotFrom string
	var gotTo []string
	var raw []byte
	s := NewEmailSenderWithTransport(SMTPConfig{From: "noreply@civicsync.example", FromName: "CivicSync"},
		func(_ context.Context, from string, to []string, msg []byte) error {
			gotFrom, gotTo, raw = from, to, msg
			return nil
		})
	s.now = func() time.Time { return t0 }

	err := s.Send(context.Background(), &models.Notification{
		ID:        "n-1",
		Type:      models.ChannelEmail,
		Recipient: "asha@example.com",
		Subject:   "Issue CS-2025-000001 is now in progress",
		Content:   "Hello Asha,\n\nWork has started.",
	})
	require.NoError(t, err)
	require.Equal(t, "noreply@civicsync.example", gotFrom)
	require.Equal(t, []string{"asha@example.com"}, gotTo)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	require.Equal(t, "Issue CS-2025-000001 is now in progress", subject)
	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	require.Equal(t, "CivicSync", from[0].Name)
	date, err := r.Header.Date()
	require.NoError(t, err)
	require.True(t, date.Equal(t0))
	require.Equal(t, "n-1", r.Header.Get("X-Notification-Id"))
	id, err := r.Header.MessageID()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	require.Equal(t, "Hello Asha,\n\nWork has started.", string(body))
}

func TestEmailSender_Errors(t *testing.T) {
	relayDown := errors.New("connection refused")
	s := NewEmailSenderWithTransport(SMTPConfig{From: "noreply@civicsync.example"},
		func(context.Context, string, []string, []byte) error { return relayDown })

	require.Error(t, s.Send(context.Background(), &models.Notification{Type: models.ChannelEmail}))
	require.ErrorIs(t, s.Send(context.Background(), &models.Notification{Recipient: "a@example.com"}), relayDown)
}

type fakeNATS struct {
	subject  string
	data     []byte
	flushed  time.Duration
	pubErr   error
	flushErr error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.pubErr
}

func (f *fakeNATS) FlushTimeout(timeout time.Duration) error {
	f.flushed = timeout
	return f.flushErr
}

func TestGatewaySender_PublishesBySubject(t *testing.T) {
	conn := &fakeNATS{}
	s := NewGatewaySender(conn, "civicsync.notifications")
	issueID := primitive.NewObjectID()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Send(ctx, &models.Notification{
		ID:        "n-2",
		Type:      models.ChannelSMS,
		EventType: "sla_breach",
		IssueID:   &issueID,
		Recipient: "+15550100",
		Subject:   "SLA breached: CS-2025-000001",
		Content:   "late",
		Priority:  models.NotifyHigh,
	})
	require.NoError(t, err)
	require.Equal(t, "civicsync.notifications.sms", conn.subject)
	require.Greater(t, conn.flushed, time.Duration(0))
	require.LessOrEqual(t, conn.flushed, time.Second)

	var msg GatewayMessage
	require.NoError(t, json.Unmarshal(conn.data, &msg))
	require.Equal(t, "+15550100", msg.To)
	require.Equal(t, models.ChannelSMS, msg.Channel)
	require.Equal(t, issueID, *msg.IssueID)
	require.Equal(t, models.NotifyHigh, msg.Priority)

	require.NoError(t, s.Send(context.Background(), &models.Notification{Type: models.ChannelPush, Recipient: "device-token"}))
	require.Equal(t, "civicsync.notifications.push", conn.subject)
	require.Equal(t, 5*time.Second, conn.flushed)
}

func TestGatewaySender_Errors(t *testing.T) {
	conn := &fakeNATS{}
	s := NewGatewaySender(conn, "cs")

	require.Error(t, s.Send(context.Background(), &models.Notification{Type: models.ChannelEmail, Recipient: "x"}))
	require.Error(t, s.Send(context.Background(), &models.Notification{Type: models.ChannelSMS}))

	conn.flushErr = errors.New("nats: timeout")
	require.ErrorIs(t, s.Send(context.Background(), &models.Notification{Type: models.ChannelSMS, Recipient: "+1"}), conn.flushErr)

	conn.flushErr = nil
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := s.Send(ctx, &models.Notification{Type: models.ChannelSMS, Recipient: "+1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncodeInboxItem(t *testing.T) {
	issueID := primitive.NewObjectID()
	data, err := encodeInboxItem(&models.Notification{
		ID:        "n-3",
		EventType: "status_update",
		IssueID:   &issueID,
		Subject:   "s",
		Content:   "c",
		CreatedAt: t0,
	})
	require.NoError(t, err)

	var item InboxItem
	require.NoError(t, json.Unmarshal(data, &item))
	require.Equal(t, InboxItem{ID: "n-3", EventType: "status_update", IssueID: &issueID, Subject: "s", Content: "c", CreatedAt: t0}, item)
}

// TestInAppSender_Redis needs a disposable Redis at REDIS_TEST_ADDRESS.
func TestInAppSender_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDRESS not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	user := primitive.NewObjectID()
	t.Cleanup(func() { rdb.Del(ctx, inboxKey(user)) })

	s := NewInAppSender(rdb, 2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Send(ctx, &models.Notification{ID: id, RecipientID: user, Type: models.ChannelInApp}))
	}

	items, err := s.Inbox(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "c", items[0].ID)
	require.Equal(t, "b", items[1].ID)
}
