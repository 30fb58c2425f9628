package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"civicsync-be/models"
	"civicsync-be/store"
	authUtils "civicsync-be/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AuthController handles registration, login and the caller's profile.
type AuthController struct {
	users         store.Directory
	tokens        *authUtils.Tokens
	secureCookies bool
}

// NewAuthController wires an AuthController. secureCookies marks the
// auth cookie Secure and SameSite=None for cross-origin production use.
func NewAuthController(users store.Directory, tokens *authUtils.Tokens, secureCookies bool) *AuthController {
	return &AuthController{users: users, tokens: tokens, secureCookies: secureCookies}
}

func userResponse(u *models.User) gin.H {
	return gin.H{
		"id":          u.ID,
		"name":        u.Name,
		"email":       u.Email,
		"role":        u.Role,
		"preferences": u.Preferences,
		"createdAt":   u.CreatedAt,
	}
}

// RegisterUser handles user registration
func (a *AuthController) RegisterUser(c *gin.Context) {
	var input struct {
		Name     string `json:"name" binding:"required,max=50"`
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required,min=6"`
		Phone    string `json:"phone" binding:"omitempty,e164"`
	}

	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	user := models.User{
		Name:        input.Name,
		Email:       input.Email,
		Password:    input.Password,
		Phone:       input.Phone,
		Role:        models.RoleCitizen,
		Preferences: models.DefaultPreferences(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := user.HashPassword(); err != nil {
		log.WithError(err).Error("Error hashing password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong"})
		return
	}

	if err := a.users.CreateUser(ctx, &user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "User with this email already exists"})
			return
		}
		log.WithError(err).Error("Error inserting user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong"})
		return
	}

	c.JSON(http.StatusCreated, userResponse(&user))
}

// LoginUser handles user login
func (a *AuthController) LoginUser(c *gin.Context) {
	var input struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	user, err := a.users.FindUserByEmail(ctx, input.Email)
	if err != nil || !user.ComparePassword(input.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := a.tokens.Generate(user.ID.Hex(), user.Role)
	if err != nil {
		log.WithError(err).Error("Error generating token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Something went wrong"})
		return
	}

	sameSite := http.SameSiteLaxMode
	if a.secureCookies {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		MaxAge:   int(authUtils.TokenTTL.Seconds()),
		Path:     "/",
		Secure:   a.secureCookies,
		HttpOnly: true,
		SameSite: sameSite,
	})

	resp := userResponse(user)
	resp["token"] = token
	c.JSON(http.StatusOK, resp)
}

// GetMe retrieves the authenticated user's information
func (a *AuthController) GetMe(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	user, err := a.users.FindUser(ctx, userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

// LogoutUser clears the auth_token cookie
func (a *AuthController) LogoutUser(c *gin.Context) {
	c.SetCookie("auth_token", "", -1, "/", "", a.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}
