package storage

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
	"dropgate/internal/infrastructure/httpclient"
)

var Module = fx.Module("storage",
	fx.Provide(func(
		cfg *config.Config,
		client *httpclient.Client,
		tokens repository.TokenRepository,
		logger *zap.Logger,
	) (*Registry, error) {
		drive := NewGoogleDriveProvider(cfg, client, tokens, logger)
		s3p, err := NewS3Provider(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewRegistry([]storage.CloudStorageProvider{drive, s3p}), nil
	}),
	// The active provider for this deployment.
	fx.Provide(func(cfg *config.Config, r *Registry) (storage.CloudStorageProvider, error) {
		return r.Get(cfg.Storage.Provider)
	}),
)
