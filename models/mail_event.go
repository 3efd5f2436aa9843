package models

import "gorm.io/gorm"

// MailEventTypeAutomationSent is recorded once per successful automation send.
const MailEventTypeAutomationSent = "automation_sent"

// MailEvent is the append-only audit record of outbound sends. The
// processor only ever writes these; nothing in this service reads them
// back.
type MailEvent struct {
	gorm.Model
	ContactID    uint `gorm:"not null;index" json:"contact_id"`
	AutomationID uint `gorm:"not null;index" json:"automation_id"`

	EventType string `gorm:"not null;index" json:"event_type"`
	StepOrder int    `gorm:"not null" json:"step_order"`
	Subject   string `json:"subject"`
	MessageID string `json:"message_id"`
}
