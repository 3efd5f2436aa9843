package utils

import (
	"strings"

	"dripkit/models"
)

// RenderedMessage is the outcome of merging variables into a template:
// final HTML and plain-text bodies ready for dispatch.
type RenderedMessage struct {
	HTML string
	Text string
}

// defaultBody is used when a step carries no template reference and no
// inline content of its own.
const defaultBody = "<p>Hello {{full_name}},</p>"

// RenderMessage merges the substitution variables for one enrollment
// into the step's content. It is a pure function: no store access, no
// side effects.
//
// Variable precedence (lowest to highest): contact identity fields,
// step payload, enrollment metadata. Only known placeholders are
// substituted; anything else wrapped in {{...}} passes through
// untouched.
func RenderMessage(tmpl *models.Template, payload map[string]string, contact models.Contact, metadata map[string]string) RenderedMessage {
	html, text := baseContent(tmpl, payload)

	vars := buildVariables(contact, payload, metadata)
	for key, value := range vars {
		placeholder := "{{" + key + "}}"
		html = strings.ReplaceAll(html, placeholder, value)
		text = strings.ReplaceAll(text, placeholder, value)
	}

	return RenderedMessage{HTML: html, Text: text}
}

// RenderSubject applies the same substitution table to a subject line.
func RenderSubject(subject string, contact models.Contact, payload, metadata map[string]string) string {
	for key, value := range buildVariables(contact, payload, metadata) {
		subject = strings.ReplaceAll(subject, "{{"+key+"}}", value)
	}
	return subject
}

// baseContent picks the starting bodies: the stored template when one
// was resolved, otherwise the step's inline content, otherwise a
// minimal greeting. A nil template here means the slug was missing or
// unresolvable; degrading instead of failing keeps one misconfigured
// step from blocking the whole sequence.
func baseContent(tmpl *models.Template, payload map[string]string) (html, text string) {
	if tmpl != nil {
		return tmpl.HTMLContent, tmpl.TextContent
	}

	if v, ok := payload["html"]; ok && v != "" {
		html = v
	} else if v, ok := payload["message"]; ok && v != "" {
		html = "<p>" + v + "</p>"
	} else {
		html = defaultBody
	}

	if v, ok := payload["text"]; ok && v != "" {
		text = v
	} else if v, ok := payload["message"]; ok && v != "" {
		text = v
	}
	return html, text
}

// buildVariables assembles the placeholder table. Later tiers
// overwrite earlier ones: identity < step payload < enrollment
// metadata.
func buildVariables(contact models.Contact, payload, metadata map[string]string) map[string]string {
	vars := map[string]string{
		"email":      contact.Email,
		"first_name": contact.FirstName,
		"last_name":  contact.LastName,
		"full_name":  FullName(contact),
	}

	for k, v := range contact.Metadata {
		vars[k] = v
	}
	for k, v := range payload {
		vars[k] = v
	}
	for k, v := range metadata {
		vars[k] = v
	}
	return vars
}

// FullName joins the contact's name parts, falling back to the email
// address when both are empty.
func FullName(contact models.Contact) string {
	name := strings.TrimSpace(strings.TrimSpace(contact.FirstName) + " " + strings.TrimSpace(contact.LastName))
	if name == "" {
		return contact.Email
	}
	return name
}
