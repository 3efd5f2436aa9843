package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"dripkit/config"
	"dripkit/middleware"
	"dripkit/routes"
	"dripkit/utils"
	"dripkit/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "AUTOMATION: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry when a DSN is configured
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize Sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Outbound mail transport
	mailer := utils.NewMailer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
		config.AppConfig.FromEmail,
		config.AppConfig.FromName,
	)

	// Processor and its run lock; the scheduled worker and the HTTP
	// trigger share both
	processor := worker.NewAutomationProcessor(config.DB, mailer, logger, worker.ProcessorOptions{
		SendPacing:  time.Duration(config.AppConfig.SendPacingMS) * time.Millisecond,
		MaxAttempts: config.AppConfig.MaxAttempts,
	})
	runLock := utils.NewRunLock(
		config.AppConfig.Redis,
		"dripkit:automation:run-lock",
		time.Duration(config.AppConfig.ProcessLockTTLSec)*time.Second,
	)

	// Initialize and start automation worker
	automationWorker := worker.NewAutomationWorker(
		processor,
		runLock,
		time.Duration(config.AppConfig.ProcessIntervalSec)*time.Second,
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go automationWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, processor, runLock)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
