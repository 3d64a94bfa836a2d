// Package jobs contains the background maintenance jobs and the task queue
// handlers behind automatic recovery.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/infrastructure/queue"
	"dropgate/internal/usecase"
)

// TokenRefreshPayload is the queue payload for scheduled token refreshes.
type TokenRefreshPayload struct {
	UserID   int64  `json:"user_id"`
	Provider string `json:"provider"`
}

// RegisterHandlers binds every task name to its handler. Called once at
// startup; the queue panics on duplicate registration.
func RegisterHandlers(
	q *queue.Queue,
	renewal *usecase.TokenRenewalService,
	pipeline *usecase.UploadPipeline,
	cfg *config.Config,
	logger *zap.Logger,
) {
	q.Register(usecase.TaskTokenRefresh, func(ctx context.Context, task *queue.Task) error {
		var payload TokenRefreshPayload
		if err := task.Bind(&payload); err != nil {
			return err
		}

		result := renewal.RefreshTokenIfNeeded(ctx, payload.UserID, payload.Provider)
		if result.Success {
			return nil
		}
		if result.NoToken || result.RequiresUserIntervention {
			// Nothing a retry can fix; the user has to reconnect.
			logger.Info("Scheduled refresh not retryable",
				zap.Int64("user_id", payload.UserID),
				zap.String("provider", payload.Provider),
				zap.String("message", result.Message),
			)
			return nil
		}
		if result.Err != nil {
			return result.Err
		}
		return fmt.Errorf("token refresh failed: %s", result.Message)
	})

	q.Register(usecase.TaskUploadProcess, func(ctx context.Context, task *queue.Task) error {
		var payload usecase.UploadTaskPayload
		if err := task.Bind(&payload); err != nil {
			return err
		}

		err := pipeline.ProcessUpload(ctx, payload.UploadID)
		if errors.Is(err, usecase.ErrConnectionUnhealthy) {
			return queue.Release(cfg.Recovery.UnhealthyRetryDelay)
		}
		return err
	})

	q.Register(usecase.TaskUploadRetry, func(ctx context.Context, task *queue.Task) error {
		var payload usecase.UploadTaskPayload
		if err := task.Bind(&payload); err != nil {
			return err
		}
		return pipeline.RetryUpload(ctx, payload.UploadID)
	})
}
