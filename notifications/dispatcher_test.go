package notifications

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"civicsync-be/lifecycle"
	"civicsync-be/models"
	"civicsync-be/store"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type captureQueue struct {
	mu    sync.Mutex
	items []models.Notification
}

func (q *captureQueue) Enqueue(n models.Notification) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, n)
	return n.ID, nil
}

func (q *captureQueue) all() []models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Notification(nil), q.items...)
}

// recipients returns "<recipient id>/<channel>" pairs, sorted.
func (q *captureQueue) recipients() []string {
	var out []string
	for _, n := range q.all() {
		out = append(out, n.RecipientID.Hex()+"/"+string(n.Type))
	}
	sort.Strings(out)
	return out
}

type channelSet map[models.Channel]bool

func (s channelSet) Supports(c models.Channel) bool { return s[c] }

var allChannels = channelSet{
	models.ChannelEmail: true, models.ChannelSMS: true, models.ChannelPush: true, models.ChannelInApp: true,
}

type people struct {
	dir      *store.Memory
	dept     models.Department
	reporter models.User
	follower models.User
	staff    models.User
	other    models.User
	head     models.User
}

func newPeople() *people {
	m := store.NewMemory()
	p := &people{dir: m}
	p.dept = m.PutDepartment(models.Department{Name: "Roads", Active: true})
	inApp := models.Preferences{InApp: true}
	p.reporter = m.PutUser(models.User{Name: "Reporter", Email: "r@example.com", Role: models.RoleCitizen,
		Preferences: models.Preferences{Email: true, InApp: true}})
	p.follower = m.PutUser(models.User{Name: "Follower", Phone: "+15550100", Role: models.RoleCitizen,
		Preferences: models.Preferences{SMS: true}})
	p.staff = m.PutUser(models.User{Name: "Staff", Role: models.RoleStaff, DepartmentID: &p.dept.ID, Preferences: inApp})
	p.other = m.PutUser(models.User{Name: "Other", Role: models.RoleStaff, DepartmentID: &p.dept.ID, Preferences: inApp})
	p.head = m.PutUser(models.User{Name: "Head", Role: models.RoleAdmin, DepartmentID: &p.dept.ID, Preferences: inApp})
	p.dept.HeadID = &p.head.ID
	m.PutDepartment(p.dept)
	return p
}

func (p *people) issue() *models.Issue {
	return &models.Issue{
		ID:        primitive.NewObjectID(),
		Number:    "CS-2025-000001",
		Title:     "Pothole",
		Category:  models.Road,
		Status:    models.StatusSubmitted,
		CreatedBy: p.reporter.ID,
		Followers: []primitive.ObjectID{p.follower.ID, p.reporter.ID},
	}
}

func target(u models.User, c models.Channel) string { return u.ID.Hex() + "/" + string(c) }

func sorted(s ...string) []string {
	sort.Strings(s)
	return s
}

func TestDispatcher_CreatedNotifiesReporter(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)
	issue := p.issue()

	n := d.Handle(context.Background(), lifecycle.Event{
		Type: lifecycle.EventIssueCreated, Issue: issue, Actor: p.reporter.ID, OccurredAt: t0,
	})
	require.Equal(t, 2, n)
	require.Equal(t, sorted(target(p.reporter, models.ChannelEmail), target(p.reporter, models.ChannelInApp)), q.recipients())

	for _, item := range q.all() {
		require.Equal(t, "issue_created", item.EventType)
		require.Equal(t, issue.ID, *item.IssueID)
		require.Equal(t, models.NotifyNormal, item.Priority)
		require.Equal(t, t0, item.CreatedAt)
		require.Equal(t, "Issue CS-2025-000001 received", item.Subject)
		switch item.Type {
		case models.ChannelEmail:
			require.Equal(t, "r@example.com", item.Recipient)
		case models.ChannelInApp:
			require.Equal(t, p.reporter.ID.Hex(), item.Recipient)
		}
	}
}

func TestDispatcher_StatusChangeSkipsActorAndDedupes(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)
	issue := p.issue()
	issue.AssignedTo = &p.staff.ID
	issue.Status = models.StatusInProgress

	d.Handle(context.Background(), lifecycle.Event{
		Type: lifecycle.EventStatusChanged, Issue: issue, Actor: p.staff.ID,
		From: models.StatusAssigned, To: models.StatusInProgress,
	})
	require.Equal(t, sorted(
		target(p.reporter, models.ChannelEmail),
		target(p.reporter, models.ChannelInApp),
		target(p.follower, models.ChannelSMS),
	), q.recipients())
	for _, item := range q.all() {
		require.Contains(t, item.Content, "from assigned to in progress")
	}
}

func TestDispatcher_AssignedWithoutUserTellsDepartment(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)
	issue := p.issue()
	issue.DepartmentID = &p.dept.ID

	d.Handle(context.Background(), lifecycle.Event{
		Type: lifecycle.EventAssigned, Issue: issue, Actor: p.other.ID, Department: &p.dept,
	})
	require.Equal(t, sorted(
		target(p.staff, models.ChannelInApp),
		target(p.head, models.ChannelInApp),
	), q.recipients())
}

func TestDispatcher_EscalationIsHighPriority(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)
	issue := p.issue()
	issue.DepartmentID = &p.dept.ID
	issue.AssignedTo = &p.staff.ID

	// department resolved from the issue when the event carries none
	d.Handle(context.Background(), lifecycle.Event{Type: lifecycle.EventEscalated, Issue: issue})
	require.Equal(t, sorted(target(p.staff, models.ChannelInApp), target(p.head, models.ChannelInApp)), q.recipients())
	for _, item := range q.all() {
		require.Equal(t, models.NotifyHigh, item.Priority)
	}
}

func TestDispatcher_DigestIsLowPriority(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)

	dept := p.dept
	n := d.Handle(context.Background(), lifecycle.Event{
		Type:       lifecycle.EventDailyDigest,
		Department: &dept,
		Digest:     &lifecycle.Digest{Department: dept, Open: 1, NewByCat: map[models.IssueCategory]int{}},
	})
	require.Equal(t, 3, n)
	for _, item := range q.all() {
		require.Equal(t, models.NotifyLow, item.Priority)
		require.Nil(t, item.IssueID)
		require.Equal(t, "Daily digest for Roads", item.Subject)
	}
}

func TestDispatcher_EmergencyAndChannelFiltering(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), channelSet{models.ChannelInApp: true})
	issue := p.issue()
	issue.IsEmergency = true

	d.Handle(context.Background(), lifecycle.Event{Type: lifecycle.EventStatusChanged, Issue: issue, Actor: p.staff.ID})
	// email unsupported; the follower only accepts SMS
	require.Equal(t, []string{target(p.reporter, models.ChannelInApp)}, q.recipients())
	require.Equal(t, models.NotifyHigh, q.all()[0].Priority)
}

func TestDispatcher_IgnoresEventsWithoutTemplates(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)

	require.Zero(t, d.Handle(context.Background(), lifecycle.Event{Type: lifecycle.EventVoteCast, Issue: p.issue()}))
	require.Zero(t, d.Handle(context.Background(), lifecycle.Event{Type: lifecycle.EventStatusChanged}))
	require.Empty(t, q.all())
}

func TestDispatcher_RunDrainsPublishedEvents(t *testing.T) {
	p := newPeople()
	q := &captureQueue{}
	d := NewDispatcher(q, p.dir, NewComposer(), allChannels)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Publish(ctx, lifecycle.Event{Type: lifecycle.EventIssueCreated, Issue: p.issue()})
	require.Eventually(t, func() bool { return len(q.all()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// events published after shutdown stay buffered
	d.Publish(context.Background(), lifecycle.Event{Type: lifecycle.EventIssueCreated, Issue: p.issue()})
	require.Equal(t, 1, d.Pending())
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	p := newPeople()
	d := NewDispatcher(&captureQueue{}, p.dir, NewComposer(), allChannels)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Publish(context.Background(), lifecycle.Event{Type: lifecycle.EventIssueCreated, Issue: p.issue()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running dispatcher")
	}
	require.Equal(t, 1000, d.Pending())
}
