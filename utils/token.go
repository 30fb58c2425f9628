package authUtils

import (
	"errors"
	"fmt"
	"time"

	"civicsync-be/models"

	"github.com/dgrijalva/jwt-go"
)

// TokenTTL is how long an issued token stays valid.
const TokenTTL = 72 * time.Hour

// Claims identify the caller of an authenticated request.
type Claims struct {
	UserID string
	Role   models.Role
}

// Tokens signs and verifies HS256 JWTs.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens returns a Tokens using secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

// Generate issues a token for a user.
func (t *Tokens) Generate(userID string, role models.Role) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     t.now().Add(TokenTTL).Unix(),
	})
	return token.SignedString(t.secret)
}

// Parse validates tokenString and extracts its claims.
func (t *Tokens) Parse(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return Claims{}, errors.New("invalid token")
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid token claims")
	}
	userID, _ := mc["user_id"].(string)
	if userID == "" {
		return Claims{}, errors.New("token has no user_id")
	}
	role, _ := mc["role"].(string)
	if role == "" {
		role = string(models.RoleCitizen)
	}
	return Claims{UserID: userID, Role: models.Role(role)}, nil
}
