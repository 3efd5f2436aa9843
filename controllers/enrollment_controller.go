package controller

import (
	"log"

	"dripkit/models"
	"dripkit/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewEnrollmentController(db *gorm.DB, logger *log.Logger) *EnrollmentController {
	return &EnrollmentController{
		DB:     db,
		Logger: logger,
	}
}

// CreateEnrollment is the external entry trigger: it places a contact
// at the start of an automation. The processor takes over from here.
func (ec *EnrollmentController) CreateEnrollment(c *fiber.Ctx) error {
	var input struct {
		AutomationID uint              `json:"automation_id" validate:"required"`
		ContactID    uint              `json:"contact_id" validate:"required"`
		Metadata     map[string]string `json:"metadata"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var automation models.Automation
	if err := ec.DB.Where("id = ? AND active = ?", input.AutomationID, true).First(&automation).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Active automation not found", nil)
	}

	var contact models.Contact
	if err := ec.DB.First(&contact, input.ContactID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	// One in-flight enrollment per contact per automation
	var existing models.Enrollment
	if err := ec.DB.Where("automation_id = ? AND contact_id = ? AND status IN ?",
		input.AutomationID, input.ContactID,
		[]string{models.EnrollmentStatusPending, models.EnrollmentStatusProcessing}).
		First(&existing).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Contact is already enrolled in this automation", nil)
	}

	enrollment := models.Enrollment{
		AutomationID:  input.AutomationID,
		ContactID:     input.ContactID,
		Status:        models.EnrollmentStatusPending,
		NextStepOrder: 0,
		Metadata:      input.Metadata,
	}

	if err := ec.DB.Create(&enrollment).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create enrollment", err)
	}

	ec.Logger.Printf("Enrolled contact %d into automation %d", contact.ID, automation.ID)

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollment returns a single enrollment's progress
func (ec *EnrollmentController) GetEnrollment(c *fiber.Ctx) error {
	var enrollment models.Enrollment
	if err := ec.DB.First(&enrollment, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
	}
	return c.JSON(utils.SuccessResponse(enrollment))
}
