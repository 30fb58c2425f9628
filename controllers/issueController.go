package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"civicsync-be/geo"
	"civicsync-be/lifecycle"
	"civicsync-be/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	requestTimeout = 10 * time.Second
	recentLimit    = 20
)

// IssueController exposes the issue lifecycle over HTTP.
type IssueController struct {
	issues *lifecycle.Service
}

// NewIssueController wires an IssueController.
func NewIssueController(issues *lifecycle.Service) *IssueController {
	return &IssueController{issues: issues}
}

// CreateIssue handles the creation of a new issue
func (h *IssueController) CreateIssue(c *gin.Context) {
	reporter, ok := currentUser(c)
	if !ok {
		return
	}

	var input struct {
		Title       string          `json:"title" binding:"required,max=200"`
		Description string          `json:"description" binding:"required,max=1000"`
		Category    string          `json:"category" binding:"required"`
		Subcategory string          `json:"subcategory" binding:"max=100"`
		Priority    models.Priority `json:"priority" binding:"omitempty,priority"`
		IsEmergency bool            `json:"isEmergency"`
		Latitude    *float64        `json:"latitude" binding:"required,gte=-90,lte=90"`
		Longitude   *float64        `json:"longitude" binding:"required,gte=-180,lte=180"`
		Address     models.Address  `json:"address"`
		ImageURLs   []string        `json:"imageUrls" binding:"max=5,dive,url"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issue, candidates, err := h.issues.Create(ctx, lifecycle.Report{
		Title:       input.Title,
		Description: input.Description,
		Category:    models.IssueCategory(input.Category),
		Subcategory: input.Subcategory,
		Priority:    input.Priority,
		IsEmergency: input.IsEmergency,
		Latitude:    *input.Latitude,
		Longitude:   *input.Longitude,
		Address:     input.Address,
		ImageURLs:   input.ImageURLs,
	}, reporter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"issue": issue, "possibleDuplicates": candidates})
}

// GetIssue returns one issue and counts the view
func (h *IssueController) GetIssue(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if _, err := h.issues.RecordView(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	view, err := h.issues.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteIssue soft-deletes an issue by archiving it
func (h *IssueController) DeleteIssue(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Archive(ctx, id, actor)
	})
}

// UpdateStatus moves an issue through the state machine
func (h *IssueController) UpdateStatus(c *gin.Context) {
	var input struct {
		Status models.IssueStatus `json:"status" binding:"required,issuestatus"`
		Notes  string             `json:"notes" binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.ChangeStatus(ctx, id, input.Status, actor, input.Notes)
	})
}

// AssignIssue routes an issue to a department and optionally a staff member
func (h *IssueController) AssignIssue(c *gin.Context) {
	var input struct {
		DepartmentID string `json:"departmentId" binding:"required"`
		UserID       string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	deptID, ok := parseID(c, input.DepartmentID, "Invalid department ID")
	if !ok {
		return
	}
	var userID *primitive.ObjectID
	if input.UserID != "" {
		uid, ok := parseID(c, input.UserID, "Invalid user ID")
		if !ok {
			return
		}
		userID = &uid
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Assign(ctx, id, deptID, userID, actor)
	})
}

// EscalateIssue raises the escalation level
func (h *IssueController) EscalateIssue(c *gin.Context) {
	var input struct {
		Reason string `json:"reason" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Escalate(ctx, id, actor, input.Reason)
	})
}

// MarkDuplicate links an issue to the report it duplicates
func (h *IssueController) MarkDuplicate(c *gin.Context) {
	var input struct {
		OriginalID string `json:"originalId" binding:"required"`
		Notes      string `json:"notes" binding:"max=500"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	originalID, ok := parseID(c, input.OriginalID, "Invalid original issue ID")
	if !ok {
		return
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.MarkDuplicate(ctx, id, originalID, actor, input.Notes)
	})
}

// CloseIssue closes a resolved issue
func (h *IssueController) CloseIssue(c *gin.Context) {
	var input struct {
		Notes string `json:"notes" binding:"max=500"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Close(ctx, id, actor, input.Notes)
	})
}

// Reclassify updates category and priority
func (h *IssueController) Reclassify(c *gin.Context) {
	var input struct {
		Category    string          `json:"category"`
		Subcategory string          `json:"subcategory" binding:"max=100"`
		Priority    models.Priority `json:"priority" binding:"required,priority"`
		IsEmergency bool            `json:"isEmergency"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mutate(c, func(ctx context.Context, id, _ primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Reclassify(ctx, id, lifecycle.Classification{
			Category:    models.IssueCategory(input.Category),
			Subcategory: input.Subcategory,
			Priority:    input.Priority,
			IsEmergency: input.IsEmergency,
		})
	})
}

// HandleVoteOnIssue records an up or down vote
func (h *IssueController) HandleVoteOnIssue(c *gin.Context) {
	var input struct {
		Type models.VoteType `json:"type" binding:"required,oneof=up down"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Vote(ctx, id, actor, input.Type)
	})
}

// RemoveVote withdraws the caller's vote
func (h *IssueController) RemoveVote(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.RemoveVote(ctx, id, actor)
	})
}

// FollowIssue subscribes the caller to updates
func (h *IssueController) FollowIssue(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Follow(ctx, id, actor)
	})
}

// UnfollowIssue unsubscribes the caller
func (h *IssueController) UnfollowIssue(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.Unfollow(ctx, id, actor)
	})
}

// AddComment posts a comment. Only staff may post internal notes.
func (h *IssueController) AddComment(c *gin.Context) {
	var input struct {
		Text     string `json:"text" binding:"required,max=1000"`
		Internal bool   `json:"internal"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.Internal && currentRole(c) == models.RoleCitizen {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only staff can post internal comments"})
		return
	}
	h.mutate(c, func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error) {
		return h.issues.AddComment(ctx, id, actor, input.Text, input.Internal)
	})
}

// ShareIssue counts a share
func (h *IssueController) ShareIssue(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, id, _ primitive.ObjectID) (*models.Issue, error) {
		return h.issues.RecordShare(ctx, id)
	})
}

// GetDuplicates re-runs duplicate detection for an issue
func (h *IssueController) GetDuplicates(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	candidates, err := h.issues.Duplicates(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

// NearbyIssues lists same-category issues around a point
func (h *IssueController) NearbyIssues(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required"})
		return
	}
	point := geo.Point{Lat: lat, Lng: lng}
	if !point.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Coordinates out of range"})
		return
	}
	category := c.Query("category")
	if category == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "category is required"})
		return
	}
	radius, err := strconv.ParseFloat(c.DefaultQuery("radius", "100"), 64)
	if err != nil || radius <= 0 || radius > 5000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "radius must be between 0 and 5000 meters"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	candidates, err := h.issues.Nearby(ctx, models.IssueCategory(category), point, radius)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": candidates})
}

// ListIssues is the staff triage list, most urgent first by default
func (h *IssueController) ListIssues(c *gin.Context) {
	page, limit := pageParams(c)
	q := models.IssueQuery{
		Status:   models.IssueStatus(filterParam(c, "status")),
		Category: models.IssueCategory(filterParam(c, "category")),
		Search:   c.Query("search"),
		Open:     c.Query("open") == "true",
		Sort:     models.IssueSort(c.DefaultQuery("sort", string(models.SortUrgency))),
		Page:     page,
		Limit:    limit,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	list, err := h.issues.List(ctx, q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// MyIssues lists the caller's own reports
func (h *IssueController) MyIssues(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	page, limit := pageParams(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	list, err := h.issues.Reported(ctx, user, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// RecentIssues feeds the public map with the newest reports
func (h *IssueController) RecentIssues(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	list, err := h.issues.List(ctx, models.IssueQuery{Sort: models.SortNewest, Limit: recentLimit})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": list.Issues})
}

// GetIssueAnalytics returns dashboard aggregates
func (h *IssueController) GetIssueAnalytics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	stats, err := h.issues.Analytics(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// pageParams reads page and limit; the service clamps bad values.
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	return page, limit
}

// filterParam treats "all" the same as no filter.
func filterParam(c *gin.Context, key string) string {
	v := c.Query(key)
	if v == "all" {
		return ""
	}
	return v
}

// mutate runs op for the :id issue on behalf of the caller and writes the
// updated issue.
func (h *IssueController) mutate(c *gin.Context, op func(ctx context.Context, id, actor primitive.ObjectID) (*models.Issue, error)) {
	actor, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	issue, err := op(ctx, id, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	log.WithFields(log.Fields{"issue": issue.Number, "route": c.FullPath(), "actor": actor.Hex()}).Debug("issue updated")
	c.JSON(http.StatusOK, issue)
}
