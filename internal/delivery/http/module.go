package http

import (
	"go.uber.org/fx"

	"dropgate/internal/delivery/http/handler"
	"dropgate/internal/delivery/http/router"
)

var Module = fx.Module("http",
	fx.Provide(
		handler.NewHealthHandler,
		handler.NewOAuthHandler,
		handler.NewUploadHandler,
		handler.NewWebhookHandler,
		handler.NewLogHandler,
		router.NewRouter,
	),
)
