package utils

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Mailer sends transactional email over SMTP.
type Mailer struct {
	dialer    *gomail.Dialer
	fromEmail string
	fromName  string
}

func NewMailer(host string, port int, username, password, fromEmail, fromName string) *Mailer {
	return &Mailer{
		dialer:    gomail.NewDialer(host, port, username, password),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// buildMessage assembles the outbound message and its generated id.
// Tags are carried as X-Mailer-Tag headers so the receiving provider
// can segment analytics.
func (m *Mailer) buildMessage(to, subject, html, text string, tags []string) (*gomail.Message, string) {
	messageID := uuid.New().String()

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(m.fromEmail, m.fromName))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("X-Message-ID", messageID)
	if len(tags) > 0 {
		msg.SetHeader("X-Mailer-Tag", tags...)
	}

	if text != "" {
		msg.SetBody("text/plain", text)
		msg.AddAlternative("text/html", html)
	} else {
		msg.SetBody("text/html", html)
	}

	return msg, messageID
}

// Send dispatches one message and returns the generated message id.
func (m *Mailer) Send(to, subject, html, text string, tags []string) (string, error) {
	msg, messageID := m.buildMessage(to, subject, html, text, tags)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return "", fmt.Errorf("error sending email: %w", err)
	}

	return messageID, nil
}
