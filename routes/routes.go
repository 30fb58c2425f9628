package routes

import (
	"net/http"

	"civicsync-be/controllers"

	"github.com/gin-gonic/gin"
)

// Deps carries the handlers and shared middleware the routes need.
type Deps struct {
	Auth          *controllers.AuthController
	Issues        *controllers.IssueController
	Notifications *controllers.NotificationController
	RequireAuth   gin.HandlerFunc
	// RateLimit guards issue creation; nil disables it.
	RateLimit gin.HandlerFunc
}

// Setup registers every route on r.
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	AuthRoutes(r, d)
	IssueRoutes(r, d)
	NotificationRoutes(r, d)
}
