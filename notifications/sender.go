package notifications

import (
	"context"
	"errors"
	"fmt"

	"civicsync-be/models"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks civicsync-be/notifications Sender

// Sender delivers one notification over one channel.
type Sender interface {
	Send(ctx context.Context, n *models.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *models.Notification) error

func (f SenderFunc) Send(ctx context.Context, n *models.Notification) error { return f(ctx, n) }

// ErrNoSender is returned for a channel nothing is registered for.
var ErrNoSender = errors.New("no sender for channel")

// Router dispatches by notification channel.
type Router struct {
	senders map[models.Channel]Sender
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{senders: make(map[models.Channel]Sender)}
}

// Handle registers s for channel c, replacing any previous sender.
func (r *Router) Handle(c models.Channel, s Sender) *Router {
	r.senders[c] = s
	return r
}

// Supports reports whether channel c has a sender.
func (r *Router) Supports(c models.Channel) bool {
	_, ok := r.senders[c]
	return ok
}

func (r *Router) Send(ctx context.Context, n *models.Notification) error {
	s, ok := r.senders[n.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, n.Type)
	}
	return s.Send(ctx, n)
}
