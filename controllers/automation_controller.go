package controller

import (
	"log"

	"dripkit/models"
	"dripkit/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// AutomationController exposes read-only views of automation
// definitions. Authoring happens on an external surface; this service
// only consumes definitions.
type AutomationController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewAutomationController(db *gorm.DB, logger *log.Logger) *AutomationController {
	return &AutomationController{
		DB:     db,
		Logger: logger,
	}
}

// ListAutomations returns all active automations with their steps in
// sequence order
func (ac *AutomationController) ListAutomations(c *fiber.Ctx) error {
	var automations []models.Automation
	if err := ac.DB.Where("active = ?", true).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		Find(&automations).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list automations", err)
	}

	return c.JSON(utils.SuccessResponse(automations))
}

// GetAutomation returns one automation with its steps
func (ac *AutomationController) GetAutomation(c *fiber.Ctx) error {
	var automation models.Automation
	if err := ac.DB.
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		}).
		First(&automation, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Automation not found", nil)
	}
	return c.JSON(utils.SuccessResponse(automation))
}
