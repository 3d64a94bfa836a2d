package repository

import (
	"go.uber.org/fx"

	"dropgate/internal/infrastructure/httpclient"
)

var Module = fx.Module("repository",
	fx.Provide(NewTokenRepository),
	fx.Provide(NewHealthRepository),
	fx.Provide(NewUploadRepository),
	fx.Provide(NewUserRepository),
	fx.Provide(NewAPILogRepository),
	fx.Provide(func(r APILogRepository) httpclient.APILogSaver { return r }),
)
