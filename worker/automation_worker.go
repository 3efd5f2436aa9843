package worker

import (
	"context"
	"log"
	"time"

	"dripkit/utils"
)

// AutomationWorker periodically invokes the processor. It is the
// in-process stand-in for an external scheduled trigger; the HTTP
// trigger endpoint shares the same run lock.
type AutomationWorker struct {
	Processor *AutomationProcessor
	Lock      utils.RunLock
	Interval  time.Duration
	Logger    *log.Logger
}

func NewAutomationWorker(processor *AutomationProcessor, lock utils.RunLock, interval time.Duration, logger *log.Logger) *AutomationWorker {
	return &AutomationWorker{
		Processor: processor,
		Lock:      lock,
		Interval:  interval,
		Logger:    logger,
	}
}

func (w *AutomationWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	w.Logger.Println("Automation worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Println("Automation worker shutting down...")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *AutomationWorker) runOnce(ctx context.Context) {
	ok, err := w.Lock.Acquire(ctx)
	if err != nil {
		w.Logger.Printf("Failed to acquire run lock: %v", err)
		return
	}
	if !ok {
		// Another invocation is still running; this tick is skipped and
		// due enrollments are picked up on the next one.
		w.Logger.Println("Run lock held elsewhere, skipping pass")
		return
	}
	defer func() {
		if err := w.Lock.Release(ctx); err != nil {
			w.Logger.Printf("Failed to release run lock: %v", err)
		}
	}()

	result, err := w.Processor.Run(ctx)
	if err != nil {
		utils.LogError("automation_pass_failed", err, nil)
		return
	}

	if result.Processed > 0 {
		w.Logger.Printf("Automation pass finished: processed=%d sent=%d errors=%d",
			result.Processed, result.Sent, result.Errors)
	}
}
