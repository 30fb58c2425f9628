package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Department is a municipal unit that issues are assigned to
type Department struct {
	ID           primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Name         string              `bson:"name" json:"name"`
	Active       bool                `bson:"active" json:"active"`
	HeadID       *primitive.ObjectID `bson:"headId,omitempty" json:"headId,omitempty"`
	ContactEmail string              `bson:"contactEmail,omitempty" json:"contactEmail,omitempty"`
}

// Category classifies issues and carries the hours-to-resolve target
type Category struct {
	Key          IssueCategory       `bson:"_id" json:"key"`
	Name         string              `bson:"name" json:"name"`
	SLAHours     int                 `bson:"slaHours" json:"slaHours"`
	DepartmentID *primitive.ObjectID `bson:"departmentId,omitempty" json:"departmentId,omitempty"`
	Active       bool                `bson:"active" json:"active"`
}
