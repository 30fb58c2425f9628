package routes

import (
	"civicsync-be/middlewares"
	"civicsync-be/models"

	"github.com/gin-gonic/gin"
)

// NotificationRoutes sets up the inbox and the operator queue routes
func NotificationRoutes(r *gin.Engine, d Deps) {
	h := d.Notifications

	r.GET("/api/notifications", d.RequireAuth, h.Inbox)

	admin := r.Group("/api/admin/notifications", d.RequireAuth, middlewares.RequireRole(models.RoleAdmin))
	{
		admin.GET("/failed", h.Failed)
		admin.GET("/stats", h.Stats)
		admin.POST("/:id/requeue", h.Requeue)
	}
}
