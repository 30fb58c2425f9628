// Package notifications turns lifecycle events into messages and delivers
// them through a retrying priority queue.
package notifications

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"civicsync-be/clock"
	"civicsync-be/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound          = errors.New("notification not found")
	ErrNotFailed         = errors.New("notification has not failed")
	ErrAlreadyQueued     = errors.New("notification already queued")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
)

// DeliveryFailure is one failed attempt that will be retried.
type DeliveryFailure struct {
	ID      string
	Channel models.Channel
	Attempt int
	RetryAt time.Time
	Err     error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("%s notification %s attempt %d failed: %v", e.Channel, e.ID, e.Attempt, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

func (e *DeliveryFailure) Is(target error) bool { return target == ErrDeliveryFailed }

// DeliveryError is reported for a notification that ran out of attempts.
type DeliveryError struct {
	ID       string
	Channel  models.Channel
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s notification %s failed after %d attempts: %v", e.Channel, e.ID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryExhausted }

// QueueConfig tunes delivery.
type QueueConfig struct {
	// MaxRetries is the total number of delivery attempts per notification.
	MaxRetries int
	// RetryDelay is multiplied by the attempt count to get the backoff.
	RetryDelay time.Duration
	// PollInterval is how often Run checks for retries coming due.
	PollInterval time.Duration
	// SendTimeout bounds a single Send call.
	SendTimeout time.Duration
	Clock       clock.Clock
	// OnSettled is called once a notification is sent or has failed for
	// good. err is nil on success and a *DeliveryError otherwise.
	OnSettled func(n models.Notification, err error)
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(n models.Notification, err *DeliveryFailure)
}

// DefaultQueueConfig returns the production settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:   3,
		RetryDelay:   5 * time.Second,
		PollInterval: time.Second,
		SendTimeout:  10 * time.Second,
	}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"inFlight"`
	Failed   int `json:"failed"`
	Sent     int `json:"sent"`
}

// Queue delivers notifications highest priority first, oldest first within
// a priority. Failed sends are retried with linear backoff until MaxRetries
// attempts have been made, after which the notification is parked in the
// failed set until an operator requeues it.
type Queue struct {
	cfg    QueueConfig
	sender Sender
	clock  clock.Clock

	mu       sync.Mutex
	ready    readyHeap
	delayed  delayHeap
	pending  map[string]*entry
	inFlight map[string]*entry
	failed   map[string]*models.Notification
	sent     int
	seq      uint64

	wake chan struct{}
}

// NewQueue returns a Queue delivering through sender. Zero config fields
// fall back to DefaultQueueConfig.
func NewQueue(sender Sender, cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Queue{
		cfg:      cfg,
		sender:   sender,
		clock:    clock.OrReal(cfg.Clock),
		pending:  make(map[string]*entry),
		inFlight: make(map[string]*entry),
		failed:   make(map[string]*models.Notification),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds n to the queue and returns its id. Missing id, priority and
// creation time are filled in.
func (q *Queue) Enqueue(n models.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = models.NotifyNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.clock.Now()
	}
	n.Status = models.NotificationQueued
	n.Attempts = 0

	q.mu.Lock()
	if q.known(n.ID) {
		q.mu.Unlock()
		return "", ErrAlreadyQueued
	}
	q.pushReady(&n)
	q.mu.Unlock()

	q.signal()
	return n.ID, nil
}

// Restore re-enqueues notifications persisted by a previous process,
// keeping their attempt counts. Entries that are not queued or retrying,
// or whose id is already present, are skipped.
func (q *Queue) Restore(ns []models.Notification) int {
	restored := 0
	var exhausted []models.Notification
	q.mu.Lock()
	for i := range ns {
		n := ns[i]
		if n.Status != models.NotificationQueued && n.Status != models.NotificationRetry {
			continue
		}
		if n.ID == "" || q.known(n.ID) {
			continue
		}
		if n.Attempts >= q.cfg.MaxRetries {
			now := q.clock.Now()
			n.Status = models.NotificationFailed
			n.FailedAt = &now
			q.failed[n.ID] = &n
			exhausted = append(exhausted, n)
			continue
		}
		q.pushReady(&n)
		restored++
	}
	q.mu.Unlock()

	for _, n := range exhausted {
		log.WithFields(log.Fields{"notification": n.ID, "channel": n.Type, "attempt": n.Attempts}).
			Warn("restored notification has no attempts left")
		if q.cfg.OnSettled != nil {
			q.cfg.OnSettled(n, &DeliveryError{ID: n.ID, Channel: n.Type, Attempts: n.Attempts, Err: errors.New(lastError(n))})
		}
	}
	if restored > 0 {
		q.signal()
	}
	return restored
}

func lastError(n models.Notification) string {
	if n.LastError == "" {
		return "no attempts left"
	}
	return n.LastError
}

func (q *Queue) known(id string) bool {
	_, pending := q.pending[id]
	_, flying := q.inFlight[id]
	_, failed := q.failed[id]
	return pending || flying || failed
}

// pushReady must be called with q.mu held.
func (q *Queue) pushReady(n *models.Notification) {
	q.seq++
	e := &entry{n: n, seq: q.seq}
	q.pending[n.ID] = e
	heap.Push(&q.ready, e)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ProcessNext delivers the most urgent ready notification, if any, and
// reports whether one was attempted. Retries whose backoff has elapsed are
// promoted first.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	q.mu.Lock()
	promote(&q.ready, &q.delayed, q.clock.Now())
	if q.ready.Len() == 0 {
		q.mu.Unlock()
		return false
	}
	e := heap.Pop(&q.ready).(*entry)
	delete(q.pending, e.n.ID)
	q.inFlight[e.n.ID] = e
	snapshot := *e.n
	q.mu.Unlock()

	// A delivery that has started is allowed to finish during shutdown.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.SendTimeout)
	err := q.sender.Send(sendCtx, &snapshot)
	cancel()

	o := q.record(e, err)
	switch {
	case o.retry != nil:
		if q.cfg.OnRetry != nil {
			q.cfg.OnRetry(o.n, o.retry)
		}
	case q.cfg.OnSettled != nil:
		q.cfg.OnSettled(o.n, o.err)
	}
	return true
}

// outcome is a copy of the notification after one attempt, with either
// the retry it was scheduled for or its final error.
type outcome struct {
	n     models.Notification
	retry *DeliveryFailure
	err   error
}

// record applies the outcome of one attempt.
func (q *Queue) record(e *entry, sendErr error) outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	n := e.n
	delete(q.inFlight, n.ID)
	n.Attempts++
	n.LastAttempt = &now

	fields := log.Fields{"notification": n.ID, "channel": n.Type, "attempt": n.Attempts}
	if sendErr == nil {
		n.Status = models.NotificationSent
		n.SentAt = &now
		n.LastError = ""
		q.sent++
		log.WithFields(fields).Debug("notification sent")
		return outcome{n: *n}
	}

	n.LastError = sendErr.Error()
	if n.Attempts >= q.cfg.MaxRetries {
		n.Status = models.NotificationFailed
		n.FailedAt = &now
		q.failed[n.ID] = n
		log.WithFields(fields).WithError(sendErr).Error("notification failed, giving up")
		return outcome{n: *n, err: &DeliveryError{ID: n.ID, Channel: n.Type, Attempts: n.Attempts, Err: sendErr}}
	}

	n.Status = models.NotificationRetry
	e.readyAt = now.Add(q.cfg.RetryDelay * time.Duration(n.Attempts))
	q.seq++
	e.seq = q.seq
	q.pending[n.ID] = e
	heap.Push(&q.delayed, e)
	failure := &DeliveryFailure{ID: n.ID, Channel: n.Type, Attempt: n.Attempts, RetryAt: e.readyAt, Err: sendErr}
	log.WithFields(fields).WithError(failure).WithField("retryAt", e.readyAt).Warn("notification failed, will retry")
	return outcome{n: *n, retry: failure}
}

// Run processes the queue until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.cfg.PollInterval)
	defer t.Stop()

	for {
		for q.ProcessNext(ctx) {
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-t.C:
		}
	}
}

// Requeue gives a failed notification a fresh set of attempts.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	n, ok := q.failed[id]
	if !ok {
		known := q.known(id)
		q.mu.Unlock()
		if known {
			return ErrNotFailed
		}
		return ErrNotFound
	}
	delete(q.failed, id)
	n.Status = models.NotificationQueued
	n.Attempts = 0
	n.FailedAt = nil
	n.LastError = ""
	q.pushReady(n)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Get returns a pending, in-flight or failed notification. Sent
// notifications are only kept in the audit log.
func (q *Queue) Get(id string) (models.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.pending[id]; ok {
		return *e.n, nil
	}
	if e, ok := q.inFlight[id]; ok {
		return *e.n, nil
	}
	if n, ok := q.failed[id]; ok {
		return *n, nil
	}
	return models.Notification{}, ErrNotFound
}

// Failed lists notifications that exhausted their attempts, oldest failure first.
func (q *Queue) Failed() []models.Notification {
	q.mu.Lock()
	out := make([]models.Notification, 0, len(q.failed))
	for _, n := range q.failed {
		out = append(out, *n)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(*out[j].FailedAt) {
			return out[i].FailedAt.Before(*out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Undelivered returns everything still queued, waiting to retry or in
// flight, so it can be persisted on shutdown.
func (q *Queue) Undelivered() []models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Notification, 0, len(q.pending)+len(q.inFlight))
	for _, e := range q.pending {
		out = append(out, *e.n)
	}
	for _, e := range q.inFlight {
		out = append(out, *e.n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats reports queue sizes.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:    q.ready.Len(),
		Delayed:  q.delayed.Len(),
		InFlight: len(q.inFlight),
		Failed:   len(q.failed),
		Sent:     q.sent,
	}
}
