package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"dropgate/internal/config"
	"dropgate/internal/delivery/http/handler"
	"dropgate/internal/domain/entity"
)

type Router struct {
	app            *fiber.App
	config         *config.Config
	healthHandler  *handler.HealthHandler
	oauthHandler   *handler.OAuthHandler
	uploadHandler  *handler.UploadHandler
	webhookHandler *handler.WebhookHandler
	logHandler     *handler.LogHandler
}

func NewRouter(
	cfg *config.Config,
	healthHandler *handler.HealthHandler,
	oauthHandler *handler.OAuthHandler,
	uploadHandler *handler.UploadHandler,
	webhookHandler *handler.WebhookHandler,
	logHandler *handler.LogHandler,
) *Router {
	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		BodyLimit:    int(cfg.Uploads.MaxSizeBytes) + 1<<20,
		ErrorHandler: customErrorHandler,
	})

	return &Router{
		app:            app,
		config:         cfg,
		healthHandler:  healthHandler,
		oauthHandler:   oauthHandler,
		uploadHandler:  uploadHandler,
		webhookHandler: webhookHandler,
		logHandler:     logHandler,
	}
}

func (r *Router) Setup() *fiber.App {
	// Middleware
	r.app.Use(recover.New())
	r.app.Use(requestid.New())
	r.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	if r.config.IsDevelopment() {
		r.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}

	// Health check route
	r.app.Get("/health", r.healthHandler.Health)

	// OAuth callback route (must be at root level for redirect)
	r.app.Get("/redirect/oauth", r.oauthHandler.OAuthCallback)

	// Webhook routes (at root level for external callbacks)
	r.app.Post("/webhook/recovery", r.webhookHandler.RecoveryEvent)

	// API v1 routes
	api := r.app.Group("/api/v1")
	{
		oauth := api.Group("/oauth")
		{
			oauth.Get("/authorize", r.oauthHandler.Authorize)
		}

		connections := api.Group("/connections")
		{
			connections.Get("/:user_id/health", r.healthHandler.ConnectionStatus)
			connections.Delete("/:user_id", r.oauthHandler.Disconnect)
		}

		uploads := api.Group("/uploads")
		{
			uploads.Post("", r.uploadHandler.Receive)
			uploads.Get("/:id", r.uploadHandler.Status)
		}

		logs := api.Group("/logs")
		{
			logs.Get("", r.logHandler.GetLogs)
		}
	}

	return r.app
}

func (r *Router) GetApp() *fiber.App {
	return r.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(entity.NewErrorResponse("INTERNAL_ERROR", err.Error()))
}
