package app

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/funnelsmith/api/internal/handler"
	"github.com/funnelsmith/api/internal/middleware"
	"github.com/funnelsmith/api/pkg/response"
)

// HTTP builds the fiber app serving the pipeline API
func (a *App) HTTP() *fiber.App {
	validate := validator.New()

	pipelineHandler := handler.NewPipelineHandler(a.Pipeline, validate)
	queueHandler := handler.NewQueueHandler(a.Pipeline)
	healthHandler := handler.NewHealthHandler(a.Health, a.Metrics)
	rateLimiter := middleware.NewRateLimiter(a.Redis, "", a.Log)

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	// Global middleware
	app.Use(recover.New())
	if a.Config.Log.Level == "debug" {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", healthHandler.Health)
	app.Get("/metrics", healthHandler.Metrics)
	app.Get("/metrics/prometheus", healthHandler.Prometheus())

	// API routes
	api := app.Group("/api")
	if a.Config.JWT.Enabled {
		api.Use(middleware.NewAuthMiddlewareWithFallback(a.Verifier, a.Config.JWT.Secret).Authenticate())
	}

	pipeline := api.Group("/pipeline")
	pipeline.Post("/", rateLimiter.SubmitLimit(a.Config.RateLimit.SubmitPerMinute), pipelineHandler.Submit)
	pipeline.Get("/:jobId", pipelineHandler.Status)

	queues := api.Group("/queues/:queue/jobs")
	queues.Get("/", queueHandler.ListJobs)
	queues.Get("/:jobId", queueHandler.GetJob)
	queues.Delete("/:jobId", queueHandler.RemoveJob)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	if code == fiber.StatusNotFound {
		errCode = response.CodeNotFound
	}
	return response.Error(c, code, errCode, message, nil)
}
