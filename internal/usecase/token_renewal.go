package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
	"dropgate/internal/infrastructure/lock"
	"dropgate/internal/notification"
)

// TokenRenewalService owns the token refresh state machine. At most one
// process refreshes a given user/provider credential at a time; everyone
// else observes the outcome through the store.
type TokenRenewalService struct {
	tokens   repository.TokenRepository
	users    repository.UserRepository
	provider storage.CloudStorageProvider
	locks    lock.Provider
	notifier notification.Notifier
	clock    clock.Clock
	config   *config.Config
	logger   *zap.Logger
}

func NewTokenRenewalService(
	tokens repository.TokenRepository,
	users repository.UserRepository,
	provider storage.CloudStorageProvider,
	locks lock.Provider,
	notifier notification.Notifier,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *TokenRenewalService {
	return &TokenRenewalService{
		tokens:   tokens,
		users:    users,
		provider: provider,
		locks:    locks,
		notifier: notifier,
		clock:    clk,
		config:   cfg,
		logger:   logger,
	}
}

func refreshLockKey(userID int64, provider string) string {
	return fmt.Sprintf("dropgate:token-refresh:%d:%s", userID, provider)
}

func notifyThrottleKey(userID int64, provider string, errType classify.ErrorType) string {
	return fmt.Sprintf("dropgate:notify-throttle:%d:%s:%s", userID, provider, errType)
}

// RefreshTokenIfNeeded refreshes the credential when it is expired or about
// to expire. Callers must branch on the full RefreshResult shape: a token
// refreshed by another process and a token that was already valid are both
// successes that made no vendor call here.
func (s *TokenRenewalService) RefreshTokenIfNeeded(ctx context.Context, userID int64, provider string) *entity.RefreshResult {
	now := s.clock.Now()

	rec, err := s.tokens.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return &entity.RefreshResult{Message: "failed to load token", Err: err}
	}
	if rec == nil {
		return &entity.RefreshResult{NoToken: true, Message: "no credentials stored"}
	}
	if rec.RequiresUserIntervention {
		return &entity.RefreshResult{
			RequiresUserIntervention: true,
			Message:                  "connection requires manual reconnection",
		}
	}
	if !rec.ExpiresWithin(now, s.config.TokenRefresh.ProactiveWindow) {
		return &entity.RefreshResult{Success: true, WasAlreadyValid: true}
	}

	handle, err := s.locks.TryAcquire(ctx, refreshLockKey(userID, provider), s.config.TokenRefresh.LockTTL)
	if err != nil {
		return &entity.RefreshResult{Message: "failed to acquire refresh lock", Err: err}
	}
	if handle == nil {
		// Another worker is refreshing right now. Treat it as done: the
		// caller re-reads the store and sees whatever that worker wrote.
		return &entity.RefreshResult{Success: true, WasRefreshedByAnotherProcess: true}
	}
	defer func() {
		if err := s.locks.Release(ctx, handle); err != nil {
			s.logger.Warn("Failed to release refresh lock",
				zap.String("key", handle.Key),
				zap.Error(err),
			)
		}
	}()

	// Re-read under the lock: the state may have changed while we waited.
	rec, err = s.tokens.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return &entity.RefreshResult{Message: "failed to reload token", Err: err}
	}
	if rec == nil {
		return &entity.RefreshResult{NoToken: true, Message: "credentials removed"}
	}
	if rec.RequiresUserIntervention {
		return &entity.RefreshResult{
			RequiresUserIntervention: true,
			Message:                  "connection requires manual reconnection",
		}
	}
	now = s.clock.Now()
	if !rec.ExpiresWithin(now, s.config.TokenRefresh.ProactiveWindow) {
		return &entity.RefreshResult{Success: true, WasRefreshedByAnotherProcess: true}
	}

	return s.refreshNow(ctx, rec)
}

// refreshNow performs the vendor call while the lock is held.
func (s *TokenRenewalService) refreshNow(ctx context.Context, rec *entity.TokenRecord) *entity.RefreshResult {
	priorFailures := rec.RefreshFailureCount

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.TokenRefresh.AttemptTimeout)
	defer cancel()

	creds, err := s.provider.RefreshToken(attemptCtx, rec)
	if err != nil {
		return s.handleRefreshFailure(ctx, rec, err)
	}

	if err := s.tokens.UpdateRefreshSuccess(ctx, rec.ID, creds); err != nil {
		return &entity.RefreshResult{Message: "failed to persist refreshed token", Err: err}
	}

	s.logger.Info("Token refreshed",
		zap.Int64("user_id", rec.UserID),
		zap.String("provider", rec.Provider),
		zap.Time("expires_at", creds.ExpiresAt),
	)

	if priorFailures > 0 {
		s.notifyRestored(ctx, rec)
	}

	return &entity.RefreshResult{Success: true}
}

func (s *TokenRenewalService) handleRefreshFailure(ctx context.Context, rec *entity.TokenRecord, cause error) *entity.RefreshResult {
	errType := classify.Classify(cause)
	now := s.clock.Now()

	count, err := s.tokens.RecordRefreshFailure(ctx, rec.ID, now)
	if err != nil {
		s.logger.Error("Failed to record refresh failure",
			zap.Int64("token_id", rec.ID),
			zap.Error(err),
		)
		count = rec.RefreshFailureCount + 1
	}

	s.logger.Warn("Token refresh failed",
		zap.Int64("user_id", rec.UserID),
		zap.String("provider", rec.Provider),
		zap.String("error_type", string(errType)),
		zap.String("severity", string(errType.Severity())),
		zap.Int("failure_count", count),
		zap.Error(cause),
	)

	intervention := errType.RequiresUserIntervention() || count > errType.MaxRetryAttempts()
	if intervention {
		if err := s.tokens.MarkRequiresIntervention(ctx, rec.ID); err != nil {
			s.logger.Error("Failed to mark token for intervention",
				zap.Int64("token_id", rec.ID),
				zap.Error(err),
			)
		}
		s.notifyRefreshFailed(ctx, rec, errType, count, cause)
	}

	return &entity.RefreshResult{
		RequiresUserIntervention: intervention,
		ErrorType:                errType,
		Message:                  fmt.Sprintf("token refresh failed: %s", errType),
		Err:                      cause,
	}
}

// notifyRefreshFailed sends the reconnect notification, throttled to one per
// user/provider/error-type per throttle window. The throttle is a lock that
// is never released; its TTL is the window.
func (s *TokenRenewalService) notifyRefreshFailed(ctx context.Context, rec *entity.TokenRecord, errType classify.ErrorType, count int, cause error) {
	throttle, err := s.locks.TryAcquire(ctx,
		notifyThrottleKey(rec.UserID, rec.Provider, errType),
		s.config.Notifications.ThrottleWindow,
	)
	if err != nil {
		s.logger.Warn("Failed to check notification throttle", zap.Error(err))
		return
	}
	if throttle == nil {
		s.logger.Debug("Notification throttled",
			zap.Int64("user_id", rec.UserID),
			zap.String("error_type", string(errType)),
		)
		return
	}

	user, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil || user == nil {
		s.logger.Warn("Cannot notify, user not found",
			zap.Int64("user_id", rec.UserID),
			zap.Error(err),
		)
		return
	}

	event := &notification.RefreshFailedEvent{
		UserID:       rec.UserID,
		Email:        user.Email,
		Provider:     rec.Provider,
		ErrorType:    string(errType),
		FailureCount: count,
		Message:      cause.Error(),
		ReconnectURL: s.config.App.BaseURL + "/connections/reconnect",
	}

	if err := s.notifier.RefreshFailed(ctx, event); err != nil {
		s.logger.Error("Failed to deliver refresh notification",
			zap.Int64("user_id", rec.UserID),
			zap.Error(err),
		)
		s.escalateIfNeeded(ctx, rec, user, err)
		return
	}

	if err := s.tokens.MarkNotificationSent(ctx, rec.ID, s.clock.Now()); err != nil {
		s.logger.Warn("Failed to stamp notification time", zap.Error(err))
	}
}

// escalateIfNeeded routes repeated notification delivery failures to the
// fallback admin so a broken connection never fails silently.
func (s *TokenRenewalService) escalateIfNeeded(ctx context.Context, rec *entity.TokenRecord, user *entity.User, cause error) {
	failures, err := s.tokens.IncrementNotificationFailures(ctx, rec.ID)
	if err != nil {
		s.logger.Error("Failed to count notification failure", zap.Error(err))
		return
	}
	if failures < s.config.Notifications.EscalationThreshold {
		return
	}

	admin, err := s.users.FindAdminFallback(ctx)
	if err != nil || admin == nil {
		s.logger.Error("No fallback admin for escalation",
			zap.Int64("user_id", rec.UserID),
			zap.Error(err),
		)
		return
	}

	event := &notification.AdminEscalationEvent{
		AdminEmail: admin.Email,
		UserID:     rec.UserID,
		Email:      user.Email,
		Provider:   rec.Provider,
		Reason:     fmt.Sprintf("%d notification deliveries failed, last error: %v", failures, cause),
	}
	if err := s.notifier.EscalateToAdmin(ctx, event); err != nil {
		s.logger.Error("Failed to escalate to admin", zap.Error(err))
	}
}

func (s *TokenRenewalService) notifyRestored(ctx context.Context, rec *entity.TokenRecord) {
	user, err := s.users.FindByID(ctx, rec.UserID)
	if err != nil || user == nil {
		return
	}
	event := &notification.ConnectionRestoredEvent{
		UserID:   rec.UserID,
		Email:    user.Email,
		Provider: rec.Provider,
	}
	if err := s.notifier.ConnectionRestored(ctx, event); err != nil {
		s.logger.Warn("Failed to deliver restored notification", zap.Error(err))
	}
}

// ScheduleLead returns how long before expiry a proactive refresh should run.
func (s *TokenRenewalService) ScheduleLead() time.Duration {
	return s.config.TokenRefresh.ScheduleLead
}
