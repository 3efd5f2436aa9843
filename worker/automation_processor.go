package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"dripkit/models"
	"dripkit/utils"

	"gorm.io/gorm"
)

// Dispatcher is the outbound email transport contract. Implemented by
// utils.Mailer; tests substitute a capturing fake.
type Dispatcher interface {
	Send(to, subject, html, text string, tags []string) (string, error)
}

// RunResult carries the aggregate counters of one processor pass.
type RunResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Errors    int `json:"errors"`
}

// ProcessorOptions tunes one processor instance.
type ProcessorOptions struct {
	// SendPacing is the fixed delay inserted between consecutive sends
	// within a pass. Never adaptive.
	SendPacing time.Duration

	// MaxAttempts is the dispatch-failure ceiling per step. Zero keeps
	// the default behavior: retry on every pass, forever.
	MaxAttempts int
}

// AutomationProcessor advances every due enrollment of every active
// automation by at most one step per pass.
//
// A pass is safe to repeat serially: enrollments that were not due are
// simply reconsidered next time. It is NOT safe to run two passes
// concurrently without external mutual exclusion (see utils.RunLock);
// the conditional state update below stops double-recording but cannot
// take back an email that already left.
type AutomationProcessor struct {
	DB     *gorm.DB
	Mailer Dispatcher
	Logger *log.Logger

	opts ProcessorOptions
}

func NewAutomationProcessor(db *gorm.DB, mailer Dispatcher, logger *log.Logger, opts ProcessorOptions) *AutomationProcessor {
	return &AutomationProcessor{
		DB:     db,
		Mailer: mailer,
		Logger: logger,
		opts:   opts,
	}
}

type stepOutcome int

const (
	outcomeSkipped stepOutcome = iota
	outcomeSent
	outcomeCompleted
	outcomeError
)

// Run executes one batch pass and returns the aggregate counters. The
// only error returned is a failure to list active automations; every
// narrower failure is counted and logged but never aborts the pass.
func (p *AutomationProcessor) Run(ctx context.Context) (RunResult, error) {
	var result RunResult

	var automations []models.Automation
	if err := p.DB.WithContext(ctx).
		Where("active = ?", true).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Find(&automations).Error; err != nil {
		return result, fmt.Errorf("failed to list active automations: %w", err)
	}

	for _, automation := range automations {
		var enrollments []models.Enrollment
		if err := p.DB.WithContext(ctx).
			Where("automation_id = ? AND status IN ?", automation.ID,
				[]string{models.EnrollmentStatusPending, models.EnrollmentStatusProcessing}).
			Find(&enrollments).Error; err != nil {
			result.Errors++
			utils.LogError("enrollment_list_failed", err, map[string]interface{}{
				"automation_id": automation.ID,
			})
			continue
		}

		for _, enrollment := range enrollments {
			result.Processed++

			switch p.processEnrollment(ctx, automation, enrollment, result.Sent > 0) {
			case outcomeSent:
				result.Sent++
			case outcomeError:
				result.Errors++
			}
		}
	}

	return result, nil
}

// processEnrollment advances a single enrollment by at most one step.
// Any failure here is local: it is logged, reported as an outcome, and
// never stops the rest of the batch. paceBefore is set once the pass
// has dispatched at least one email, so pacing separates consecutive
// sends without a trailing delay after the last one.
func (p *AutomationProcessor) processEnrollment(ctx context.Context, automation models.Automation, enrollment models.Enrollment, paceBefore bool) stepOutcome {
	var contact models.Contact
	if err := p.DB.WithContext(ctx).First(&contact, enrollment.ContactID).Error; err != nil {
		// Missing contact is a skip, not an error: the enrollment stays
		// untouched and is reconsidered once the contact exists again.
		if err != gorm.ErrRecordNotFound {
			p.Logger.Printf("Failed to load contact %d: %v", enrollment.ContactID, err)
		}
		return outcomeSkipped
	}
	if contact.Status != models.ContactStatusSubscribed {
		return outcomeSkipped
	}

	step := nextDueStep(automation.Steps, enrollment.NextStepOrder)
	if step == nil {
		// Sequence exhausted with nothing left to send
		if err := p.completeEnrollment(ctx, enrollment); err != nil {
			utils.LogError("enrollment_complete_failed", err, map[string]interface{}{
				"enrollment_id": enrollment.ID,
			})
			return outcomeError
		}
		return outcomeCompleted
	}

	if !stepReady(enrollment, *step, time.Now()) {
		return outcomeSkipped
	}

	rendered := p.renderStep(ctx, *step, contact, enrollment)
	subject := utils.RenderSubject(step.Subject, contact, step.Payload, enrollment.Metadata)

	// Pace consecutive sends to respect provider rate limits
	if paceBefore && p.opts.SendPacing > 0 {
		time.Sleep(p.opts.SendPacing)
	}

	tags := []string{"automation", fmt.Sprintf("automation-%d", automation.ID)}
	messageID, err := p.Mailer.Send(contact.Email, subject, rendered.HTML, rendered.Text, tags)
	if err != nil {
		utils.LogError("automation_dispatch_failed", err, map[string]interface{}{
			"automation_id": automation.ID,
			"enrollment_id": enrollment.ID,
			"step_order":    step.StepOrder,
		})
		p.recordFailure(ctx, enrollment)
		return outcomeError
	}

	// Audit record first; a failure here must not undo a send that
	// already happened, so it is logged and ignored.
	event := models.MailEvent{
		ContactID:    contact.ID,
		AutomationID: automation.ID,
		EventType:    models.MailEventTypeAutomationSent,
		StepOrder:    step.StepOrder,
		Subject:      subject,
		MessageID:    messageID,
	}
	if err := p.DB.WithContext(ctx).Create(&event).Error; err != nil {
		utils.LogError("mail_event_append_failed", err, map[string]interface{}{
			"enrollment_id": enrollment.ID,
		})
	}

	if err := p.advanceEnrollment(ctx, automation, enrollment, *step); err != nil {
		utils.LogError("enrollment_advance_failed", err, map[string]interface{}{
			"enrollment_id": enrollment.ID,
			"step_order":    step.StepOrder,
		})
		return outcomeError
	}

	p.Logger.Printf("Sent automation %d step %d to contact %d (enrollment %d)",
		automation.ID, step.StepOrder, contact.ID, enrollment.ID)
	return outcomeSent
}

// nextDueStep returns the step with the smallest step_order >= from.
// Orders may be sparse, so this is a >= scan rather than an exact
// match; steps arrive sorted ascending. Nil means the sequence is
// exhausted.
func nextDueStep(steps []models.AutomationStep, from int) *models.AutomationStep {
	for i := range steps {
		if steps[i].StepOrder >= from {
			return &steps[i]
		}
	}
	return nil
}

// stepReady applies the time gate: enough wall-clock time must have
// passed since the reference time. Before any step has run the
// reference is the enrollment time, afterwards the last execution.
func stepReady(enrollment models.Enrollment, step models.AutomationStep, now time.Time) bool {
	reference := enrollment.CreatedAt
	if enrollment.NextStepOrder > 0 && enrollment.LastRunAt != nil {
		reference = *enrollment.LastRunAt
	}
	return now.Sub(reference).Minutes() >= float64(step.WaitMinutes)
}

// renderStep resolves the step's template, degrading to the step's
// inline content when the slug is missing or unresolvable.
func (p *AutomationProcessor) renderStep(ctx context.Context, step models.AutomationStep, contact models.Contact, enrollment models.Enrollment) utils.RenderedMessage {
	var tmpl *models.Template
	if step.TemplateSlug != "" {
		var t models.Template
		if err := p.DB.WithContext(ctx).Where("slug = ?", step.TemplateSlug).First(&t).Error; err == nil {
			tmpl = &t
		} else {
			p.Logger.Printf("Template %q not found, using step fallback content", step.TemplateSlug)
		}
	}
	return utils.RenderMessage(tmpl, step.Payload, contact, enrollment.Metadata)
}

// advanceEnrollment persists the post-send state transition. The
// update is conditional on the state the pass read, so a concurrent
// pass that already advanced the row makes this a no-op error instead
// of a silent rewind.
func (p *AutomationProcessor) advanceEnrollment(ctx context.Context, automation models.Automation, enrollment models.Enrollment, sent models.AutomationStep) error {
	updates := map[string]interface{}{
		"last_run_at": time.Now(),
		"fail_count":  0,
	}
	if hasStepAfter(automation.Steps, sent.StepOrder) {
		updates["next_step_order"] = sent.StepOrder + 1
		updates["status"] = models.EnrollmentStatusProcessing
	} else {
		updates["status"] = models.EnrollmentStatusCompleted
	}

	res := p.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND next_step_order = ? AND status IN ?", enrollment.ID, enrollment.NextStepOrder,
			[]string{models.EnrollmentStatusPending, models.EnrollmentStatusProcessing}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("enrollment %d changed underneath this pass", enrollment.ID)
	}
	return nil
}

func (p *AutomationProcessor) completeEnrollment(ctx context.Context, enrollment models.Enrollment) error {
	return p.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status IN ?", enrollment.ID,
			[]string{models.EnrollmentStatusPending, models.EnrollmentStatusProcessing}).
		Update("status", models.EnrollmentStatusCompleted).Error
}

// recordFailure bumps the failure counter without touching step
// progress, so the same step is retried on the next pass. When a
// positive ceiling is configured and reached, the enrollment moves to
// the error status and stops being selected.
func (p *AutomationProcessor) recordFailure(ctx context.Context, enrollment models.Enrollment) {
	updates := map[string]interface{}{
		"fail_count": gorm.Expr("fail_count + ?", 1),
	}
	if p.opts.MaxAttempts > 0 && enrollment.FailCount+1 >= p.opts.MaxAttempts {
		updates["status"] = models.EnrollmentStatusError
	}
	if err := p.DB.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Updates(updates).Error; err != nil {
		p.Logger.Printf("Failed to record dispatch failure for enrollment %d: %v", enrollment.ID, err)
	}
}

func hasStepAfter(steps []models.AutomationStep, order int) bool {
	for _, step := range steps {
		if step.StepOrder > order {
			return true
		}
	}
	return false
}
