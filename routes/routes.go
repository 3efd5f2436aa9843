package routes

import (
	"log"
	"os"

	controller "dripkit/controllers"
	"dripkit/utils"
	"dripkit/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, db *gorm.DB, processor *worker.AutomationProcessor, lock utils.RunLock) {
	// Initialize controllers with their respective loggers
	contactController := controller.NewContactController(db, log.New(os.Stdout, "CONTACT: ", log.LstdFlags))
	enrollmentController := controller.NewEnrollmentController(db, log.New(os.Stdout, "ENROLL: ", log.LstdFlags))
	automationController := controller.NewAutomationController(db, log.New(os.Stdout, "AUTOMATION: ", log.LstdFlags))
	processController := controller.NewProcessController(processor, lock, log.New(os.Stdout, "PROCESS: ", log.LstdFlags))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Contact directory
	contacts := api.Group("/contacts")
	contacts.Post("/", contactController.CreateContact)
	contacts.Get("/:id", contactController.GetContact)
	contacts.Post("/:id/unsubscribe", contactController.UnsubscribeContact)

	// Enrollment triggers and progress
	enrollments := api.Group("/enrollments")
	enrollments.Post("/", enrollmentController.CreateEnrollment)
	enrollments.Get("/:id", enrollmentController.GetEnrollment)

	// Automation definitions (read-only) and the processor trigger
	automations := api.Group("/automations")
	automations.Get("/", automationController.ListAutomations)
	automations.Post("/process", processController.RunAutomations)
	automations.Get("/:id", automationController.GetAutomation)
}
