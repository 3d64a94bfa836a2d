package httpclient

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

var Module = fx.Module("httpclient",
	fx.Provide(func(cfg *config.Config, saver APILogSaver, logger *zap.Logger) *Client {
		return NewClient(cfg.Storage.GoogleDrive.Timeout, saver, logger)
	}),
)
