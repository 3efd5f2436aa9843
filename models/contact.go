package models

import "gorm.io/gorm"

// Contact statuses
const (
	ContactStatusSubscribed   = "subscribed"
	ContactStatusUnsubscribed = "unsubscribed"
	ContactStatusBounced      = "bounced"
)

// Contact represents a single subscriber
type Contact struct {
	gorm.Model

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Status    string `gorm:"default:'subscribed';index" json:"status"` // subscribed, unsubscribed, bounced

	Metadata map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata"`

	// Relations
	Enrollments []Enrollment `gorm:"foreignKey:ContactID" json:"enrollments,omitempty"`
}
