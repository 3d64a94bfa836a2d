package jobs

import (
	"context"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/repository"
)

// CleanupJob sweeps accumulated state: stale failure counters, stuck
// proactive schedule marks, old notification tracking and abandoned health
// rows.
type CleanupJob struct {
	tokens repository.TokenRepository
	health repository.HealthRepository
	clock  clock.Clock
	config *config.Config
	logger *zap.Logger
}

func NewCleanupJob(
	tokens repository.TokenRepository,
	health repository.HealthRepository,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *CleanupJob {
	return &CleanupJob{
		tokens: tokens,
		health: health,
		clock:  clk,
		config: cfg,
		logger: logger,
	}
}

func (j *CleanupJob) Run(ctx context.Context, operationID string) {
	log := j.logger.With(zap.String("operation_id", operationID))
	now := j.clock.Now()

	if n, err := j.tokens.ResetStaleFailures(ctx, now.Add(-j.config.Recovery.FailureAmnestyAge)); err != nil {
		log.Error("Failed to reset stale failures", zap.Error(err))
	} else if n > 0 {
		log.Info("Reset stale failure counters", zap.Int64("tokens", n))
	}

	// A schedule mark older than the cutoff on a still-valid token means
	// the planned refresh task was lost; clearing the mark lets the
	// maintenance job reschedule it.
	if n, err := j.tokens.ResetStuckProactiveSchedules(ctx, now.Add(-j.config.Recovery.StuckScheduleAge), now); err != nil {
		log.Error("Failed to reset stuck schedules", zap.Error(err))
	} else if n > 0 {
		log.Info("Cleared stuck proactive schedules", zap.Int64("tokens", n))
	}

	if n, err := j.tokens.ClearOldNotificationTracking(ctx, now.Add(-j.config.Recovery.NotificationRetention)); err != nil {
		log.Error("Failed to clear old notification tracking", zap.Error(err))
	} else if n > 0 {
		log.Info("Cleared old notification tracking", zap.Int64("tokens", n))
	}

	if n, err := j.health.DeleteOrphaned(ctx); err != nil {
		log.Error("Failed to delete orphaned health rows", zap.Error(err))
	} else if n > 0 {
		log.Info("Deleted orphaned health rows", zap.Int64("rows", n))
	}

	if n, err := j.health.DeleteStaleWithoutActivity(ctx,
		now.Add(-j.config.Recovery.OrphanHealthAge),
		now.Add(-j.config.Recovery.StaleHealthAge),
	); err != nil {
		log.Error("Failed to delete stale health rows", zap.Error(err))
	} else if n > 0 {
		log.Info("Deleted stale health rows", zap.Int64("rows", n))
	}
}
