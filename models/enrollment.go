package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses
const (
	EnrollmentStatusPending    = "pending"
	EnrollmentStatusProcessing = "processing"
	EnrollmentStatusCompleted  = "completed"
	EnrollmentStatusError      = "error"
)

// Enrollment tracks one contact's progress through one automation.
// Mutated exclusively by the automation processor; NextStepOrder is
// monotonically non-decreasing across updates.
type Enrollment struct {
	gorm.Model
	AutomationID uint `gorm:"not null;index" json:"automation_id"`
	ContactID    uint `gorm:"not null;index" json:"contact_id"`

	Status        string     `gorm:"default:'pending';index" json:"status"` // pending, processing, completed, error
	NextStepOrder int        `gorm:"not null;default:0" json:"next_step_order"`
	LastRunAt     *time.Time `json:"last_run_at"`

	// FailCount counts consecutive dispatch failures. It never gates a
	// retry unless AUTOMATION_MAX_ATTEMPTS is set to a positive value.
	FailCount int `gorm:"not null;default:0" json:"fail_count"`

	// Per-enrollment personalization; overrides step payload values
	// with the same key during rendering.
	Metadata map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata"`

	// Relations
	Automation Automation `json:"-"`
	Contact    Contact    `json:"-"`
}
