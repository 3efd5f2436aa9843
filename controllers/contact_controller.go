package controller

import (
	"log"
	"strings"

	"dripkit/models"
	"dripkit/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type ContactController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewContactController(db *gorm.DB, logger *log.Logger) *ContactController {
	return &ContactController{
		DB:     db,
		Logger: logger,
	}
}

// CreateContact creates a new subscriber with validation
func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	var input struct {
		Email     string            `json:"email" validate:"required,email"`
		FirstName string            `json:"first_name" validate:"omitempty,max=100"`
		LastName  string            `json:"last_name" validate:"omitempty,max=100"`
		Metadata  map[string]string `json:"metadata"`
	}

	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	email := strings.ToLower(input.Email)

	var existing models.Contact
	if err := cc.DB.Where("email = ?", email).First(&existing).Error; err == nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Contact with this email already exists", nil)
	}

	contact := models.Contact{
		Email:     email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Status:    models.ContactStatusSubscribed,
		Metadata:  input.Metadata,
	}

	if err := cc.DB.Create(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

// GetContact returns a single contact by ID
func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	var contact models.Contact
	if err := cc.DB.First(&contact, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}
	return c.JSON(utils.SuccessResponse(contact))
}

// UnsubscribeContact flips the contact out of the subscribed status.
// The processor's consent gate then silently skips all of the
// contact's enrollments.
func (cc *ContactController) UnsubscribeContact(c *fiber.Ctx) error {
	var contact models.Contact
	if err := cc.DB.First(&contact, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	}

	if contact.Status == models.ContactStatusUnsubscribed {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Contact is already unsubscribed", nil)
	}

	contact.Status = models.ContactStatusUnsubscribed
	if err := cc.DB.Save(&contact).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to unsubscribe contact", err)
	}

	utils.LogEvent("contact_unsubscribed", map[string]interface{}{
		"contact_id": contact.ID,
	})

	return c.JSON(fiber.Map{
		"message": "Contact unsubscribed successfully",
	})
}
