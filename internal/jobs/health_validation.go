package jobs

import (
	"context"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/repository"
	"dropgate/internal/usecase"
)

// HealthValidationJob periodically revalidates the connections of active
// users so problems surface before the next upload, and prunes health rows
// for users gone quiet.
type HealthValidationJob struct {
	tokens    repository.TokenRepository
	uploads   repository.UploadRepository
	health    repository.HealthRepository
	validator *usecase.HealthValidator
	clock     clock.Clock
	config    *config.Config
	logger    *zap.Logger
}

func NewHealthValidationJob(
	tokens repository.TokenRepository,
	uploads repository.UploadRepository,
	health repository.HealthRepository,
	validator *usecase.HealthValidator,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *HealthValidationJob {
	return &HealthValidationJob{
		tokens:    tokens,
		uploads:   uploads,
		health:    health,
		validator: validator,
		clock:     clk,
		config:    cfg,
		logger:    logger,
	}
}

func (j *HealthValidationJob) Run(ctx context.Context, operationID string) {
	log := j.logger.With(zap.String("operation_id", operationID))
	now := j.clock.Now()
	provider := j.config.Storage.Provider

	userIDs, err := j.activeUsers(ctx, provider)
	if err != nil {
		log.Error("Failed to resolve active users", zap.Error(err))
		return
	}

	if len(userIDs) > 0 {
		j.validator.WarmCache(ctx, userIDs, provider)
		log.Info("Validated connections", zap.Int("users", len(userIDs)))
	}

	// Also pruned by the cleanup job; running it here too keeps the table
	// tight even when the cleanup cadence is long.
	if n, err := j.health.DeleteStaleWithoutActivity(ctx,
		now.Add(-j.config.Recovery.StaleHealthAge),
		now.Add(-j.config.Recovery.StaleHealthAge),
	); err != nil {
		log.Error("Failed to prune stale health rows", zap.Error(err))
	} else if n > 0 {
		log.Info("Pruned stale health rows", zap.Int64("rows", n))
	}
}

// activeUsers is the union of users with recent uploads and users holding a
// token for the active provider.
func (j *HealthValidationJob) activeUsers(ctx context.Context, provider string) ([]int64, error) {
	now := j.clock.Now()

	recent, err := j.uploads.UserIDsWithRecentUploads(ctx, now.Add(-j.config.Recovery.ActiveUploadWindow))
	if err != nil {
		return nil, err
	}
	holders, err := j.tokens.UserIDsWithTokens(ctx, provider)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(recent)+len(holders))
	var ids []int64
	for _, id := range append(recent, holders...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
