package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"dripkit/config"
	"dripkit/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type sentMail struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    []string
}

// fakeDispatcher captures sends and can fail selectively per recipient.
type fakeDispatcher struct {
	sent    []sentMail
	failFor map[string]error
	failAll error
}

func (f *fakeDispatcher) Send(to, subject, html, text string, tags []string) (string, error) {
	if f.failAll != nil {
		return "", f.failAll
	}
	if err, ok := f.failFor[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, HTML: html, Text: text, Tags: tags})
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A pooled second connection would see a different :memory: database
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))
	return db
}

func newTestProcessor(db *gorm.DB, dispatcher Dispatcher, maxAttempts int) *AutomationProcessor {
	return NewAutomationProcessor(db, dispatcher, log.New(io.Discard, "", 0), ProcessorOptions{
		SendPacing:  0,
		MaxAttempts: maxAttempts,
	})
}

func createAutomation(t *testing.T, db *gorm.DB, steps ...models.AutomationStep) models.Automation {
	t.Helper()
	automation := models.Automation{Name: "onboarding", Active: true, Steps: steps}
	require.NoError(t, db.Create(&automation).Error)
	return automation
}

func createContact(t *testing.T, db *gorm.DB, email, status string) models.Contact {
	t.Helper()
	contact := models.Contact{Email: email, FirstName: "Jo", LastName: "Doe", Status: status}
	require.NoError(t, db.Create(&contact).Error)
	return contact
}

func createEnrollment(t *testing.T, db *gorm.DB, automationID, contactID uint) models.Enrollment {
	t.Helper()
	enrollment := models.Enrollment{
		AutomationID: automationID,
		ContactID:    contactID,
		Status:       models.EnrollmentStatusPending,
	}
	require.NoError(t, db.Create(&enrollment).Error)
	return enrollment
}

func backdateEnrollment(t *testing.T, db *gorm.DB, id uint, age time.Duration) {
	t.Helper()
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("id = ?", id).
		Update("created_at", time.Now().Add(-age)).Error)
}

func reloadEnrollment(t *testing.T, db *gorm.DB, id uint) models.Enrollment {
	t.Helper()
	var e models.Enrollment
	require.NoError(t, db.First(&e, id).Error)
	return e
}

func TestNextDueStepSkipsGaps(t *testing.T) {
	steps := []models.AutomationStep{
		{StepOrder: 0}, {StepOrder: 2}, {StepOrder: 5},
	}

	step := nextDueStep(steps, 1)
	require.NotNil(t, step)
	assert.Equal(t, 2, step.StepOrder)

	step = nextDueStep(steps, 5)
	require.NotNil(t, step)
	assert.Equal(t, 5, step.StepOrder)

	assert.Nil(t, nextDueStep(steps, 6))
	assert.Nil(t, nextDueStep(nil, 0))
}

func TestFirstStepWithZeroWaitSendsImmediately(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome {{first_name}}",
			Payload: map[string]string{"message": "Hi {{first_name}}!"}},
		models.AutomationStep{StepOrder: 2, WaitMinutes: 60, Subject: "Day two"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)

	require.Len(t, dispatcher.sent, 1)
	mail := dispatcher.sent[0]
	assert.Equal(t, "jo@example.com", mail.To)
	assert.Equal(t, "Welcome Jo", mail.Subject)
	assert.Equal(t, "<p>Hi Jo!</p>", mail.HTML)
	assert.Equal(t, []string{"automation", fmt.Sprintf("automation-%d", automation.ID)}, mail.Tags)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusProcessing, updated.Status)
	assert.Equal(t, 1, updated.NextStepOrder)
	require.NotNil(t, updated.LastRunAt)

	var event models.MailEvent
	require.NoError(t, db.Where("automation_id = ?", automation.ID).First(&event).Error)
	assert.Equal(t, models.MailEventTypeAutomationSent, event.EventType)
	assert.Equal(t, 0, event.StepOrder)
	assert.Equal(t, "Welcome Jo", event.Subject)
	assert.Equal(t, contact.ID, event.ContactID)
	assert.NotEmpty(t, event.MessageID)
}

func TestSecondImmediateRunDoesNotDoubleAdvance(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
		models.AutomationStep{StepOrder: 2, WaitMinutes: 60, Subject: "Day two"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	// No real time has passed: the next step's wait gate must hold
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 1, updated.NextStepOrder)
	assert.Len(t, dispatcher.sent, 1)
}

func TestWaitGateBlocksUntilElapsed(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 60, Subject: "Later"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	// 30 minutes in: not due
	backdateEnrollment(t, db, enrollment.ID, 30*time.Minute)
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPending, updated.Status)
	assert.Equal(t, 0, updated.NextStepOrder)
	assert.Nil(t, updated.LastRunAt)

	// 61 minutes in: due
	backdateEnrollment(t, db, enrollment.ID, 61*time.Minute)
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)
}

func TestWaitGateUsesLastRunAtAfterFirstStep(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
		models.AutomationStep{StepOrder: 1, WaitMinutes: 5, Subject: "Follow-up"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	// Pretend the first step ran six minutes ago
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Update("last_run_at", time.Now().Add(-6*time.Minute)).Error)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)
	assert.Len(t, dispatcher.sent, 2)
}

func TestStepWithTemplateSlugSendsTemplateContent(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	tmpl := models.Template{
		Slug:        "welcome-v2",
		Name:        "Welcome v2",
		HTMLContent: "<h1>Welcome aboard, {{first_name}}!</h1>",
		TextContent: "Welcome aboard, {{first_name}}!",
	}
	require.NoError(t, db.Create(&tmpl).Error)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome",
			TemplateSlug: "welcome-v2",
			Payload:      map[string]string{"message": "inline fallback"}},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	createEnrollment(t, db, automation.ID, contact.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)

	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, "<h1>Welcome aboard, Jo!</h1>", dispatcher.sent[0].HTML)
	assert.Equal(t, "Welcome aboard, Jo!", dispatcher.sent[0].Text)
}

func TestDanglingTemplateSlugFallsBackToStepContent(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome",
			TemplateSlug: "no-such-template",
			Payload:      map[string]string{"message": "Hi {{first_name}}!"}},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	// An unresolvable slug degrades to inline content, not an error
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)

	require.Len(t, dispatcher.sent, 1)
	assert.Equal(t, "<p>Hi Jo!</p>", dispatcher.sent[0].HTML)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)
	assert.Equal(t, 0, updated.FailCount)
}

func TestPacingSeparatesConsecutiveSendsOnly(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	pacing := 150 * time.Millisecond
	p := NewAutomationProcessor(db, dispatcher, log.New(io.Discard, "", 0), ProcessorOptions{
		SendPacing: pacing,
	})

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	first := createContact(t, db, "one@example.com", models.ContactStatusSubscribed)
	createEnrollment(t, db, automation.ID, first.ID)

	// A single send needs no delay at all
	start := time.Now()
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Less(t, time.Since(start), pacing)

	second := createContact(t, db, "two@example.com", models.ContactStatusSubscribed)
	third := createContact(t, db, "three@example.com", models.ContactStatusSubscribed)
	createEnrollment(t, db, automation.ID, second.ID)
	createEnrollment(t, db, automation.ID, third.ID)

	// Two sends in one pass are separated by exactly one pacing interval
	start = time.Now()
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, pacing)
	assert.Less(t, elapsed, 2*pacing)
}

func TestUnsubscribedContactIsSkippedEntirely(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	contact := createContact(t, db, "gone@example.com", models.ContactStatusUnsubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPending, updated.Status)
	assert.Equal(t, 0, updated.NextStepOrder)
	assert.Empty(t, dispatcher.sent)

	var eventCount int64
	require.NoError(t, db.Model(&models.MailEvent{}).Count(&eventCount).Error)
	assert.Zero(t, eventCount)
}

func TestMissingContactIsSkippedNotErrored(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	enrollment := createEnrollment(t, db, automation.ID, 9999)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPending, updated.Status)
}

func TestDispatchFailureDoesNotBlockOthers(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{
		failFor: map[string]error{"bad@example.com": errors.New("smtp refused")},
	}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	bad := createContact(t, db, "bad@example.com", models.ContactStatusSubscribed)
	good := createContact(t, db, "good@example.com", models.ContactStatusSubscribed)
	badEnrollment := createEnrollment(t, db, automation.ID, bad.ID)
	goodEnrollment := createEnrollment(t, db, automation.ID, good.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 2, Sent: 1, Errors: 1}, result)

	failed := reloadEnrollment(t, db, badEnrollment.ID)
	assert.Equal(t, 0, failed.NextStepOrder)
	assert.Nil(t, failed.LastRunAt)
	assert.Equal(t, 1, failed.FailCount)
	assert.Equal(t, models.EnrollmentStatusPending, failed.Status)

	succeeded := reloadEnrollment(t, db, goodEnrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, succeeded.Status)
}

func TestFinalStepCompletesAndDropsOut(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Only step"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 1, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)

	// Completed enrollments are no longer candidates
	result, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 0, Sent: 0, Errors: 0}, result)
	assert.Len(t, dispatcher.sent, 1)
}

func TestExhaustedSequenceCompletesWithoutSending(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	// Progress already beyond every defined step
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Update("next_step_order", 10).Error)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 0}, result)

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, updated.Status)
	assert.Empty(t, dispatcher.sent)
}

func TestInactiveAutomationIgnored(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := models.Automation{
		Name:   "paused",
		Active: false,
		Steps:  []models.AutomationStep{{StepOrder: 0, WaitMinutes: 0, Subject: "Never"}},
	}
	require.NoError(t, db.Create(&automation).Error)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	createEnrollment(t, db, automation.ID, contact.ID)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, result)
}

func TestRetryCeilingMovesEnrollmentToError(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{failAll: errors.New("provider down")}
	p := newTestProcessor(db, dispatcher, 2)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	for i := 0; i < 2; i++ {
		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.Errors)
	}

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusError, updated.Status)
	assert.Equal(t, 2, updated.FailCount)
	assert.Equal(t, 0, updated.NextStepOrder)

	// Errored enrollments drop out of candidate listing
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, result)
}

func TestUnboundedRetryByDefault(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{failAll: errors.New("provider down")}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	for i := 0; i < 3; i++ {
		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RunResult{Processed: 1, Sent: 0, Errors: 1}, result)
	}

	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusPending, updated.Status)
	assert.Equal(t, 3, updated.FailCount)
}

func TestAdvanceIsConditionalOnObservedState(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "Welcome"},
		models.AutomationStep{StepOrder: 1, WaitMinutes: 0, Subject: "Next"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	var loaded models.Automation
	require.NoError(t, db.Preload("Steps").First(&loaded, automation.ID).Error)
	var stale models.Enrollment
	require.NoError(t, db.First(&stale, enrollment.ID).Error)

	// Another pass advanced the row after ours read it
	require.NoError(t, db.Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Updates(map[string]interface{}{"next_step_order": 1, "status": models.EnrollmentStatusProcessing}).Error)

	err := p.advanceEnrollment(context.Background(), loaded, stale, loaded.Steps[0])
	require.Error(t, err)

	// The concurrent writer's state is untouched
	updated := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, 1, updated.NextStepOrder)
	assert.Equal(t, models.EnrollmentStatusProcessing, updated.Status)
}

func TestNextStepOrderIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	dispatcher := &fakeDispatcher{}
	p := newTestProcessor(db, dispatcher, 0)

	automation := createAutomation(t, db,
		models.AutomationStep{StepOrder: 0, WaitMinutes: 0, Subject: "a"},
		models.AutomationStep{StepOrder: 2, WaitMinutes: 0, Subject: "b"},
		models.AutomationStep{StepOrder: 5, WaitMinutes: 0, Subject: "c"},
	)
	contact := createContact(t, db, "jo@example.com", models.ContactStatusSubscribed)
	enrollment := createEnrollment(t, db, automation.ID, contact.ID)

	previous := 0
	for i := 0; i < 4; i++ {
		_, err := p.Run(context.Background())
		require.NoError(t, err)

		updated := reloadEnrollment(t, db, enrollment.ID)
		assert.GreaterOrEqual(t, updated.NextStepOrder, previous)
		previous = updated.NextStepOrder
	}

	final := reloadEnrollment(t, db, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, final.Status)
	assert.Len(t, dispatcher.sent, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		dispatcher.sent[0].Subject, dispatcher.sent[1].Subject, dispatcher.sent[2].Subject,
	})
}
