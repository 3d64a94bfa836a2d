package usecase

import (
	"go.uber.org/fx"

	"dropgate/internal/infrastructure/redis"
)

var Module = fx.Module("usecase",
	fx.Provide(func(r *redis.RedisClient) statusCache { return r }),
	fx.Provide(NewTokenRenewalService),
	fx.Provide(NewHealthValidator),
	fx.Provide(NewUploadPipeline),
	fx.Provide(NewConnectionService),
	// The validator and the pipeline depend on each other; the recovery
	// hook is installed after both exist.
	fx.Invoke(func(v *HealthValidator, p *UploadPipeline) {
		v.SetRecoveryDispatcher(p)
	}),
)
