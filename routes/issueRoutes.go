package routes

import (
	"civicsync-be/middlewares"
	"civicsync-be/models"

	"github.com/gin-gonic/gin"
)

// IssueRoutes sets up the issue routes
func IssueRoutes(r *gin.Engine, d Deps) {
	h := d.Issues
	staff := middlewares.RequireRole(models.RoleStaff, models.RoleAdmin)

	issue := r.Group("/api/issue", d.RequireAuth)
	{
		create := []gin.HandlerFunc{}
		if d.RateLimit != nil {
			create = append(create, d.RateLimit)
		}
		issue.POST("/create", append(create, h.CreateIssue)...)
		issue.GET("", staff, h.ListIssues)
		issue.GET("/mine", h.MyIssues)
		issue.GET("/recent", h.RecentIssues)
		issue.GET("/analytics", staff, h.GetIssueAnalytics)
		issue.GET("/nearby", h.NearbyIssues)
		issue.GET("/:id", h.GetIssue)
		issue.GET("/:id/duplicates", h.GetDuplicates)

		issue.POST("/:id/vote", h.HandleVoteOnIssue)
		issue.DELETE("/:id/vote", h.RemoveVote)
		issue.POST("/:id/follow", h.FollowIssue)
		issue.DELETE("/:id/follow", h.UnfollowIssue)
		issue.POST("/:id/comments", h.AddComment)
		issue.POST("/:id/share", h.ShareIssue)

		issue.DELETE("/:id", staff, h.DeleteIssue)
		issue.PUT("/:id/status", staff, h.UpdateStatus)
		issue.PUT("/:id/classification", staff, h.Reclassify)
		issue.POST("/:id/assign", staff, h.AssignIssue)
		issue.POST("/:id/escalate", staff, h.EscalateIssue)
		issue.POST("/:id/duplicate", staff, h.MarkDuplicate)
		issue.POST("/:id/close", staff, h.CloseIssue)
	}
}
