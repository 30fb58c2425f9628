package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

// Role enum
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

// Preferences are the channels a user agreed to be notified on
type Preferences struct {
	Email bool `bson:"email" json:"email"`
	SMS   bool `bson:"sms" json:"sms"`
	Push  bool `bson:"push" json:"push"`
	InApp bool `bson:"inApp" json:"inApp"`
}

// DefaultPreferences is what a newly registered user gets.
func DefaultPreferences() Preferences {
	return Preferences{Email: true, InApp: true}
}

type User struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Name         string              `bson:"name" json:"name"`
	Email        string              `bson:"email" json:"email"`
	Password     string              `bson:"password,omitempty" json:"-"`
	Phone        string              `bson:"phone,omitempty" json:"phone,omitempty"`
	DeviceToken  string              `bson:"deviceToken,omitempty" json:"-"`
	Role         Role                `bson:"role" json:"role"`
	DepartmentID *primitive.ObjectID `bson:"departmentId,omitempty" json:"departmentId,omitempty"`
	Preferences  Preferences         `bson:"preferences" json:"preferences"`
	CreatedAt    time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time           `bson:"updatedAt" json:"updatedAt"`
}

func (u *User) HashPassword() error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hashed)
	return nil
}

func (u *User) ComparePassword(candidate string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(candidate))
	return err == nil
}

// IsStaff reports whether the user may triage issues.
func (u *User) IsStaff() bool {
	return u.Role == RoleStaff || u.Role == RoleAdmin
}

// BelongsTo reports whether the user is a member of the department.
func (u *User) BelongsTo(dept primitive.ObjectID) bool {
	return u.DepartmentID != nil && *u.DepartmentID == dept
}
