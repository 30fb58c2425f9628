package controllers

import (
	"errors"
	"net/http"

	"civicsync-be/lifecycle"
	"civicsync-be/middlewares"
	"civicsync-be/models"
	"civicsync-be/notifications"
	"civicsync-be/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// currentUser reads the authenticated caller set by the auth middleware.
func currentUser(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.GetString(middlewares.UserIDKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return primitive.NilObjectID, false
	}
	return id, true
}

func currentRole(c *gin.Context) models.Role {
	role, _ := c.Get(middlewares.RoleKey)
	r, _ := role.(models.Role)
	return r
}

// pathID parses the :id parameter.
func pathID(c *gin.Context) (primitive.ObjectID, bool) {
	return parseID(c, c.Param("id"), "Invalid issue ID")
}

func parseID(c *gin.Context, hex, msg string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return primitive.NilObjectID, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, notifications.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, notifications.ErrNotFailed),
		errors.Is(err, notifications.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidReport), errors.Is(err, lifecycle.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case lifecycle.IsRuleViolation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong"})
	}
}
