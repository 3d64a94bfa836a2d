package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"dropgate/internal/config"
)

// Scheduler runs the periodic maintenance jobs on their configured
// intervals. Every run carries an operation id so log lines from one sweep
// correlate.
type Scheduler struct {
	maintenance *TokenMaintenanceJob
	cleanup     *CleanupJob
	healthCheck *HealthValidationJob
	config      *config.Config
	logger      *zap.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewScheduler(
	lc fx.Lifecycle,
	maintenance *TokenMaintenanceJob,
	cleanup *CleanupJob,
	healthCheck *HealthValidationJob,
	cfg *config.Config,
	logger *zap.Logger,
) *Scheduler {
	s := &Scheduler{
		maintenance: maintenance,
		cleanup:     cleanup,
		healthCheck: healthCheck,
		config:      cfg,
		logger:      logger,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.stop(ctx)
		},
	})

	return s
}

func (s *Scheduler) start() {
	if !s.config.Recovery.MaintenanceEnabled {
		s.logger.Info("Maintenance jobs disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		maintenance := time.NewTicker(s.config.Recovery.MaintenanceInterval)
		cleanup := time.NewTicker(s.config.Recovery.CleanupInterval)
		health := time.NewTicker(s.config.Recovery.HealthValidationInterval)
		defer maintenance.Stop()
		defer cleanup.Stop()
		defer health.Stop()

		// Run the token sweep once at startup so a restart never leaves
		// expiring tokens waiting a full interval.
		s.runJob(ctx, "token_maintenance", s.maintenance.Run)

		for {
			select {
			case <-ctx.Done():
				return
			case <-maintenance.C:
				s.runJob(ctx, "token_maintenance", s.maintenance.Run)
			case <-cleanup.C:
				s.runJob(ctx, "cleanup", s.cleanup.Run)
			case <-health.C:
				s.runJob(ctx, "health_validation", s.healthCheck.Run)
			}
		}
	}()

	s.logger.Info("Maintenance scheduler started",
		zap.Duration("maintenance_interval", s.config.Recovery.MaintenanceInterval),
		zap.Duration("cleanup_interval", s.config.Recovery.CleanupInterval),
		zap.Duration("health_validation_interval", s.config.Recovery.HealthValidationInterval),
	)
}

func (s *Scheduler) stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context, string)) {
	operationID := uuid.NewString()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked",
				zap.String("job", name),
				zap.String("operation_id", operationID),
				zap.Any("panic", r),
			)
		}
	}()

	s.logger.Debug("Job starting",
		zap.String("job", name),
		zap.String("operation_id", operationID),
	)

	run(ctx, operationID)

	s.logger.Info("Job finished",
		zap.String("job", name),
		zap.String("operation_id", operationID),
		zap.Duration("duration", time.Since(start)),
	)
}
