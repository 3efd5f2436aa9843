package models

import "gorm.io/gorm"

// Template represents reusable email content referenced by automation
// steps through its slug
type Template struct {
	gorm.Model

	Slug        string `gorm:"not null;uniqueIndex" json:"slug"`
	Name        string `gorm:"not null" json:"name"`
	Subject     string `json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`
	TextContent string `gorm:"type:text" json:"text_content"`
}
