package models

import "gorm.io/gorm"

// Automation represents a multi-step lifecycle email sequence
type Automation struct {
	gorm.Model

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Active      bool   `gorm:"default:false;index" json:"active"`

	// Relations
	Steps []AutomationStep `gorm:"foreignKey:AutomationID" json:"steps,omitempty"`
}

// AutomationStep represents one message in an automation sequence.
// Step orders within an automation are distinct but may be sparse
// (0, 2, 5); readers must not assume contiguity.
type AutomationStep struct {
	gorm.Model
	AutomationID uint `gorm:"not null;index" json:"automation_id"`

	StepOrder   int    `gorm:"not null" json:"step_order"`
	WaitMinutes int    `gorm:"not null;default:0" json:"wait_minutes"` // Delay since reference time before this step may fire
	Subject     string `gorm:"not null" json:"subject"`

	// TemplateSlug references a persisted Template; empty means the
	// step carries inline content in its payload.
	TemplateSlug string            `gorm:"index" json:"template_slug"`
	Payload      map[string]string `gorm:"type:jsonb;serializer:json" json:"payload"`
}
