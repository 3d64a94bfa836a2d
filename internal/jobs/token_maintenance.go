package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/repository"
	"dropgate/internal/infrastructure/queue"
	"dropgate/internal/usecase"
)

// TokenMaintenanceJob keeps credentials fresh: tokens about to expire are
// refreshed immediately, tokens expiring later today get a proactive refresh
// scheduled shortly before expiry.
type TokenMaintenanceJob struct {
	tokens repository.TokenRepository
	queue  queue.TaskQueue
	clock  clock.Clock
	config *config.Config
	logger *zap.Logger
}

func NewTokenMaintenanceJob(
	tokens repository.TokenRepository,
	q queue.TaskQueue,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *TokenMaintenanceJob {
	return &TokenMaintenanceJob{
		tokens: tokens,
		queue:  q,
		clock:  clk,
		config: cfg,
		logger: logger,
	}
}

func (j *TokenMaintenanceJob) Run(ctx context.Context, operationID string) {
	log := j.logger.With(zap.String("operation_id", operationID))
	now := j.clock.Now()

	j.refreshExpiringSoon(ctx, log)

	if j.config.TokenRefresh.ProactiveEnabled {
		j.scheduleProactiveRefreshes(ctx, log)
	}

	if reset, err := j.tokens.ResetStaleFailures(ctx, now.Add(-j.config.Recovery.FailureAmnestyAge)); err != nil {
		log.Error("Failed to reset stale failure counters", zap.Error(err))
	} else if reset > 0 {
		log.Info("Granted failure amnesty", zap.Int64("tokens", reset))
	}
}

// refreshExpiringSoon enqueues an immediate refresh for every token inside
// the expiring-soon window.
func (j *TokenMaintenanceJob) refreshExpiringSoon(ctx context.Context, log *zap.Logger) {
	now := j.clock.Now()

	recs, err := j.tokens.FindExpiringWithin(ctx, now, j.config.TokenRefresh.ExpiringSoonWindow)
	if err != nil {
		log.Error("Failed to find expiring tokens", zap.Error(err))
		return
	}

	for _, rec := range recs {
		err := j.queue.Enqueue(ctx, usecase.TaskTokenRefresh,
			&TokenRefreshPayload{UserID: rec.UserID, Provider: rec.Provider},
			queue.WithMaxAttempts(3),
			queue.WithRetryUntil(now.Add(j.config.TokenRefresh.RetryUntil)),
		)
		if err != nil {
			log.Error("Failed to enqueue token refresh",
				zap.Int64("user_id", rec.UserID),
				zap.Error(err),
			)
		}
	}

	if len(recs) > 0 {
		log.Info("Enqueued refreshes for expiring tokens", zap.Int("count", len(recs)))
	}
}

// scheduleProactiveRefreshes plans one refresh per token expiring later
// today, timed shortly before expiry. The schedule mark is a conditional
// update, so concurrent job runs never double-schedule.
func (j *TokenMaintenanceJob) scheduleProactiveRefreshes(ctx context.Context, log *zap.Logger) {
	now := j.clock.Now()

	recs, err := j.tokens.FindExpiringBetween(ctx, now, j.config.TokenRefresh.ExpiringSoonWindow, 24*time.Hour)
	if err != nil {
		log.Error("Failed to find tokens for proactive scheduling", zap.Error(err))
		return
	}

	scheduled := 0
	for _, rec := range recs {
		ok, err := j.tokens.MarkProactiveScheduled(ctx, rec.ID, now)
		if err != nil {
			log.Error("Failed to mark proactive schedule",
				zap.Int64("token_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		delay := rec.ExpiresAt.Add(-j.config.TokenRefresh.ScheduleLead).Sub(now)
		if delay < 0 {
			delay = 0
		}

		err = j.queue.Enqueue(ctx, usecase.TaskTokenRefresh,
			&TokenRefreshPayload{UserID: rec.UserID, Provider: rec.Provider},
			queue.WithDelay(delay),
			queue.WithMaxAttempts(3),
			queue.WithRetryUntil(rec.ExpiresAt.Add(j.config.TokenRefresh.RetryUntil)),
		)
		if err != nil {
			log.Error("Failed to enqueue proactive refresh",
				zap.Int64("token_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		scheduled++
	}

	if scheduled > 0 {
		log.Info("Scheduled proactive refreshes", zap.Int("count", scheduled))
	}
}
