package controllers

import (
	"net/http"
	"strconv"

	"civicsync-be/notifications"

	"github.com/gin-gonic/gin"
)

// NotificationController serves the in-app inbox and the operator view of
// the delivery queue.
type NotificationController struct {
	queue *notifications.Queue
	inbox *notifications.InAppSender
}

// NewNotificationController wires a NotificationController. inbox may be nil
// when in-app delivery is disabled.
func NewNotificationController(queue *notifications.Queue, inbox *notifications.InAppSender) *NotificationController {
	return &NotificationController{queue: queue, inbox: inbox}
}

// Inbox returns the caller's newest in-app notifications
func (h *NotificationController) Inbox(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if h.inbox == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notifications.InboxItem{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	items, err := h.inbox.Inbox(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items})
}

// Failed lists notifications that ran out of attempts
func (h *NotificationController) Failed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notifications": h.queue.Failed()})
}

// Requeue gives a failed notification another round of attempts
func (h *NotificationController) Requeue(c *gin.Context) {
	if err := h.queue.Requeue(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	n, err := h.queue.Get(c.Param("id"))
	if err != nil {
		// already delivered by the worker
		c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id")})
		return
	}
	c.JSON(http.StatusAccepted, n)
}

// Stats reports queue sizes
func (h *NotificationController) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}
