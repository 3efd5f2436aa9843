package controller

import (
	"log"

	"dripkit/utils"
	"dripkit/worker"

	"github.com/gofiber/fiber/v2"
)

// ProcessController is the HTTP invocation surface for the automation
// processor, for deployments that trigger passes from an external
// scheduler instead of the built-in worker.
type ProcessController struct {
	Processor *worker.AutomationProcessor
	Lock      utils.RunLock
	Logger    *log.Logger
}

func NewProcessController(processor *worker.AutomationProcessor, lock utils.RunLock, logger *log.Logger) *ProcessController {
	return &ProcessController{
		Processor: processor,
		Lock:      lock,
		Logger:    logger,
	}
}

// RunAutomations executes one processor pass and returns the aggregate
// counters. Concurrent invocations are refused: two passes running at
// once can double-send (see worker.AutomationProcessor).
func (pc *ProcessController) RunAutomations(c *fiber.Ctx) error {
	ctx := c.Context()

	ok, err := pc.Lock.Acquire(ctx)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to acquire run lock", err)
	}
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Another automation pass is already running", nil)
	}
	defer func() {
		if err := pc.Lock.Release(ctx); err != nil {
			pc.Logger.Printf("Failed to release run lock: %v", err)
		}
	}()

	result, err := pc.Processor.Run(ctx)
	if err != nil {
		utils.LogError("automation_pass_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Automation pass failed", err)
	}

	pc.Logger.Printf("Automation pass finished: processed=%d sent=%d errors=%d",
		result.Processed, result.Sent, result.Errors)

	return c.JSON(result)
}
