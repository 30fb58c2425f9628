package notifications

import (
	"context"
	"sync"
	"time"

	"civicsync-be/lifecycle"
	"civicsync-be/models"
	"civicsync-be/store"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Enqueuer accepts composed notifications.
type Enqueuer interface {
	Enqueue(n models.Notification) (string, error)
}

// ChannelSet reports which channels can be delivered.
type ChannelSet interface {
	Supports(c models.Channel) bool
}

// Dispatcher turns lifecycle events into queued notifications. Publish only
// buffers the events; recipient lookup and composition happen on the
// dispatcher's own goroutine so the mutation path never waits on them.
type Dispatcher struct {
	queue     Enqueuer
	directory store.Directory
	composer  *Composer
	channels  ChannelSet

	mu    sync.Mutex
	inbox []lifecycle.Event
	wake  chan struct{}
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(queue Enqueuer, directory store.Directory, composer *Composer, channels ChannelSet) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		directory: directory,
		composer:  composer,
		channels:  channels,
		wake:      make(chan struct{}, 1),
	}
}

// Publish implements lifecycle.Publisher.
func (d *Dispatcher) Publish(_ context.Context, events ...lifecycle.Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.inbox = append(d.inbox, events...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of buffered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox)
}

// Run handles buffered events until ctx is cancelled, then flushes what is
// left so it reaches the queue before shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info("notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			d.drain(flushCtx)
			cancel()
			log.Info("notification dispatcher stopped")
			return nil
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		batch := d.inbox
		d.inbox = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			d.Handle(ctx, ev)
		}
	}
}

// Handle composes and enqueues the notifications for one event and returns
// how many were queued.
func (d *Dispatcher) Handle(ctx context.Context, ev lifecycle.Event) int {
	if !d.composer.Has(ev.Type) {
		return 0
	}
	recipients, err := d.recipients(ctx, ev)
	if err != nil {
		log.WithError(err).WithField("event", ev.Type).Error("resolve recipients")
		return 0
	}

	in := Input{Issue: ev.Issue, Department: ev.Department, PrevStatus: ev.From, Notes: ev.Notes, Digest: ev.Digest}
	priority := priorityFor(ev)
	var issueID *primitive.ObjectID
	if ev.Issue != nil {
		id := ev.Issue.ID
		issueID = &id
	}

	queued := 0
	for _, user := range recipients {
		msg, ok := d.composer.Compose(ev.Type, in, user)
		if !ok {
			continue
		}
		for _, ch := range channelsFor(user) {
			if !d.channels.Supports(ch) {
				continue
			}
			addr := address(user, ch)
			if addr == "" {
				continue
			}
			_, err := d.queue.Enqueue(models.Notification{
				Type:        ch,
				EventType:   string(ev.Type),
				IssueID:     issueID,
				RecipientID: user.ID,
				Recipient:   addr,
				Subject:     msg.Subject,
				Content:     msg.Body,
				Priority:    priority,
				CreatedAt:   ev.OccurredAt,
			})
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"event": ev.Type, "user": user.ID.Hex()}).Error("enqueue notification")
				continue
			}
			queued++
		}
	}
	return queued
}

func priorityFor(ev lifecycle.Event) models.NotificationPriority {
	switch ev.Type {
	case lifecycle.EventSLABreached, lifecycle.EventEscalated:
		return models.NotifyHigh
	case lifecycle.EventDailyDigest:
		return models.NotifyLow
	}
	if ev.Issue != nil && ev.Issue.IsEmergency {
		return models.NotifyHigh
	}
	return models.NotifyNormal
}

// recipients picks who hears about ev. The actor is never told about their
// own change, except the reporter's confirmation on creation.
func (d *Dispatcher) recipients(ctx context.Context, ev lifecycle.Event) ([]models.User, error) {
	var ids []primitive.ObjectID
	var deptID *primitive.ObjectID
	if ev.Department != nil {
		id := ev.Department.ID
		deptID = &id
	} else if ev.Issue != nil && ev.Issue.DepartmentID != nil {
		deptID = ev.Issue.DepartmentID
	}

	issue := ev.Issue
	if issue == nil && ev.Type != lifecycle.EventDailyDigest {
		return nil, nil
	}
	switch ev.Type {
	case lifecycle.EventIssueCreated:
		return d.users(ctx, []primitive.ObjectID{issue.CreatedBy}, nil)
	case lifecycle.EventStatusChanged:
		ids = append(ids, issue.CreatedBy)
		ids = append(ids, issue.Followers...)
		if issue.AssignedTo != nil {
			ids = append(ids, *issue.AssignedTo)
		}
	case lifecycle.EventAssigned:
		if issue.AssignedTo != nil {
			ids = append(ids, *issue.AssignedTo)
		} else if deptID != nil {
			staff, err := d.directory.FindDepartmentStaff(ctx, *deptID)
			if err != nil {
				return nil, err
			}
			for _, u := range staff {
				ids = append(ids, u.ID)
			}
		}
		ids = append(ids, d.head(ctx, ev.Department, deptID)...)
	case lifecycle.EventEscalated, lifecycle.EventSLABreached:
		if issue.AssignedTo != nil {
			ids = append(ids, *issue.AssignedTo)
		}
		ids = append(ids, d.head(ctx, ev.Department, deptID)...)
	case lifecycle.EventDailyDigest:
		if deptID == nil {
			return nil, nil
		}
		staff, err := d.directory.FindDepartmentStaff(ctx, *deptID)
		if err != nil {
			return nil, err
		}
		for _, u := range staff {
			ids = append(ids, u.ID)
		}
		ids = append(ids, d.head(ctx, ev.Department, deptID)...)
	}

	skip := map[primitive.ObjectID]bool{}
	if !ev.Actor.IsZero() {
		skip[ev.Actor] = true
	}
	return d.users(ctx, ids, skip)
}

func (d *Dispatcher) head(ctx context.Context, dept *models.Department, id *primitive.ObjectID) []primitive.ObjectID {
	if dept == nil && id != nil {
		found, err := d.directory.FindDepartment(ctx, *id)
		if err != nil {
			log.WithError(err).WithField("department", id.Hex()).Warn("department lookup failed")
			return nil
		}
		dept = found
	}
	if dept == nil || dept.HeadID == nil {
		return nil
	}
	return []primitive.ObjectID{*dept.HeadID}
}

func (d *Dispatcher) users(ctx context.Context, ids []primitive.ObjectID, skip map[primitive.ObjectID]bool) ([]models.User, error) {
	seen := make(map[primitive.ObjectID]bool, len(ids))
	unique := ids[:0:0]
	for _, id := range ids {
		if id.IsZero() || seen[id] || skip[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, nil
	}
	return d.directory.FindUsers(ctx, unique)
}

func channelsFor(u models.User) []models.Channel {
	var out []models.Channel
	p := u.Preferences
	if p.Email {
		out = append(out, models.ChannelEmail)
	}
	if p.SMS {
		out = append(out, models.ChannelSMS)
	}
	if p.Push {
		out = append(out, models.ChannelPush)
	}
	if p.InApp {
		out = append(out, models.ChannelInApp)
	}
	return out
}

func address(u models.User, c models.Channel) string {
	switch c {
	case models.ChannelEmail:
		return u.Email
	case models.ChannelSMS:
		return u.Phone
	case models.ChannelPush:
		return u.DeviceToken
	case models.ChannelInApp:
		return u.ID.Hex()
	}
	return ""
}
