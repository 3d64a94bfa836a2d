package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
)

// statusCache is the subset of the redis client used for health memoization.
type statusCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RecoveryDispatcher is notified when a connection transitions back to a
// usable state so stalled uploads get retried promptly.
type RecoveryDispatcher interface {
	DispatchPendingUploadRetries(ctx context.Context, userID int64, provider string) error
}

// HealthValidator computes and caches the consolidated health status of
// cloud connections. The connection_health table is authoritative; the cache
// only memoizes it, with a shorter TTL for non-healthy statuses so recovery
// is observed quickly.
type HealthValidator struct {
	tokens     repository.TokenRepository
	health     repository.HealthRepository
	provider   storage.CloudStorageProvider
	cache      statusCache
	clock      clock.Clock
	config     *config.Config
	logger     *zap.Logger
	dispatcher RecoveryDispatcher
}

func NewHealthValidator(
	tokens repository.TokenRepository,
	health repository.HealthRepository,
	provider storage.CloudStorageProvider,
	cache statusCache,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *HealthValidator {
	return &HealthValidator{
		tokens:   tokens,
		health:   health,
		provider: provider,
		cache:    cache,
		clock:    clk,
		config:   cfg,
		logger:   logger,
	}
}

// SetRecoveryDispatcher installs the upload retry hook. Wired after
// construction because the pipeline also depends on the validator.
func (v *HealthValidator) SetRecoveryDispatcher(d RecoveryDispatcher) {
	v.dispatcher = d
}

func healthCacheKey(userID int64, provider string) string {
	return fmt.Sprintf("dropgate:health:%d:%s", userID, provider)
}

// ValidateConnectionHealth returns the current health status, from cache
// when fresh, otherwise recomputed and persisted.
func (v *HealthValidator) ValidateConnectionHealth(ctx context.Context, userID int64, provider string) (*entity.HealthStatus, error) {
	if cached := v.fromCache(ctx, userID, provider); cached != nil {
		return cached, nil
	}

	status, err := v.computeHealth(ctx, userID, provider, true)
	if err != nil {
		return nil, err
	}

	v.cacheStatus(ctx, status)
	return status, nil
}

// BatchValidateHealth validates many users at once, used by the periodic
// health job and cache warming. Token and health rows for all cache misses
// are loaded in one query each, and the live-probe budget is shared across
// the whole batch.
func (v *HealthValidator) BatchValidateHealth(ctx context.Context, userIDs []int64, provider string) (map[int64]*entity.HealthStatus, error) {
	results := make(map[int64]*entity.HealthStatus, len(userIDs))

	var misses []int64
	for _, userID := range userIDs {
		if cached := v.fromCache(ctx, userID, provider); cached != nil {
			results[userID] = cached
			continue
		}
		misses = append(misses, userID)
	}
	if len(misses) == 0 {
		return results, nil
	}

	tokens, err := v.tokens.FindByUserIDs(ctx, misses, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-load tokens for health batch: %w", err)
	}
	records, err := v.health.FindByUserIDs(ctx, misses, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-load health records for batch: %w", err)
	}

	tokenByUser := make(map[int64]*entity.TokenRecord, len(tokens))
	for _, token := range tokens {
		tokenByUser[token.UserID] = token
	}
	recordByUser := make(map[int64]*entity.HealthStatusRecord, len(records))
	for _, rec := range records {
		recordByUser[rec.UserID] = rec
	}

	probeBudget := v.config.Health.LiveProbesPerBatch
	for _, userID := range misses {
		status, probed, err := v.deriveHealth(ctx, userID, provider, tokenByUser[userID], recordByUser[userID], probeBudget > 0)
		if err != nil {
			v.logger.Warn("Failed to validate connection",
				zap.Int64("user_id", userID),
				zap.String("provider", provider),
				zap.Error(err),
			)
			continue
		}
		if probed {
			probeBudget--
		}

		v.cacheStatus(ctx, status)
		results[userID] = status
	}

	return results, nil
}

// WarmCache precomputes health for a set of users so interactive requests
// hit the cache.
func (v *HealthValidator) WarmCache(ctx context.Context, userIDs []int64, provider string) {
	if _, err := v.BatchValidateHealth(ctx, userIDs, provider); err != nil {
		v.logger.Warn("Cache warm failed", zap.Error(err))
	}
}

// RecordOperationResult feeds a real operation outcome (upload, probe,
// refresh) into the consolidated state and invalidates the cache. A success
// on a previously unusable connection dispatches pending upload retries.
func (v *HealthValidator) RecordOperationResult(ctx context.Context, userID int64, provider string, opErr error) {
	now := v.clock.Now()

	prior, err := v.health.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		v.logger.Warn("Failed to load prior health state", zap.Error(err))
	}

	if opErr == nil {
		if err := v.health.RecordSuccess(ctx, userID, provider, now); err != nil {
			v.logger.Error("Failed to record operation success", zap.Error(err))
			return
		}
		v.invalidate(ctx, userID, provider)

		if prior != nil && !prior.Status.Usable() && v.dispatcher != nil {
			v.logger.Info("Connection recovered, dispatching pending uploads",
				zap.Int64("user_id", userID),
				zap.String("provider", provider),
			)
			if err := v.dispatcher.DispatchPendingUploadRetries(ctx, userID, provider); err != nil {
				v.logger.Error("Failed to dispatch pending uploads", zap.Error(err))
			}
		}
		return
	}

	errType := classify.Classify(opErr)
	count, err := v.health.RecordFailure(ctx, userID, provider, string(errType), opErr.Error(), now)
	if err != nil {
		v.logger.Error("Failed to record operation failure", zap.Error(err))
		return
	}
	v.invalidate(ctx, userID, provider)

	v.logger.Warn("Operation failure recorded",
		zap.Int64("user_id", userID),
		zap.String("provider", provider),
		zap.String("error_type", string(errType)),
		zap.Int("consecutive_failures", count),
	)
}

// computeHealth loads the rows for a single pair and derives the status.
func (v *HealthValidator) computeHealth(ctx context.Context, userID int64, provider string, allowProbe bool) (*entity.HealthStatus, error) {
	token, err := v.tokens.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load token for health check: %w", err)
	}

	prior, err := v.health.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load health record: %w", err)
	}

	status, _, err := v.deriveHealth(ctx, userID, provider, token, prior, allowProbe)
	return status, err
}

// deriveHealth computes the consolidated status from the token record, the
// failure history and an optional live probe, then persists it. The second
// return value reports whether a live probe was actually performed so batch
// callers can charge it against their shared budget.
func (v *HealthValidator) deriveHealth(ctx context.Context, userID int64, provider string, token *entity.TokenRecord, prior *entity.HealthStatusRecord, allowProbe bool) (*entity.HealthStatus, bool, error) {
	now := v.clock.Now()
	probed := false

	rec := &entity.HealthStatusRecord{
		UserID:   userID,
		Provider: provider,
	}
	if prior != nil {
		*rec = *prior
	}

	if token == nil {
		rec.Status = entity.StatusDisconnected
		rec.RequiresReconnection = true
		rec.TokenExpiresAt = nil
	} else {
		expiresAt := token.ExpiresAt
		rec.TokenExpiresAt = &expiresAt

		if allowProbe && v.liveProbeDue(rec, now) && !token.RequiresUserIntervention {
			v.runLiveProbe(ctx, userID, provider, rec, now)
			probed = true
		}

		switch {
		case token.RequiresUserIntervention:
			rec.Status = entity.StatusUnhealthy
			rec.RequiresReconnection = true
		case rec.ConsecutiveFailures >= v.config.Health.UnhealthyThreshold:
			rec.Status = entity.StatusUnhealthy
		case rec.ConsecutiveFailures > 0:
			rec.Status = entity.StatusDegraded
		default:
			rec.Status = entity.StatusHealthy
			rec.RequiresReconnection = false
		}
	}

	if err := v.health.Upsert(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to persist health status: %w", err)
	}

	return &entity.HealthStatus{
		UserID:               userID,
		Provider:             provider,
		Status:               rec.Status,
		ConsecutiveFailures:  rec.ConsecutiveFailures,
		RequiresReconnection: rec.RequiresReconnection,
		TokenExpiresAt:       rec.TokenExpiresAt,
		LastErrorType:        rec.LastErrorType,
		LastErrorMessage:     rec.LastErrorMessage,
		CheckedAt:            now,
	}, probed, nil
}

func (v *HealthValidator) liveProbeDue(rec *entity.HealthStatusRecord, now time.Time) bool {
	if !v.config.Health.LiveValidationEnabled {
		return false
	}
	if rec.LastLiveValidationAt == nil {
		return true
	}
	return now.Sub(*rec.LastLiveValidationAt) >= v.config.Health.LiveProbeInterval
}

// runLiveProbe performs the cheap vendor call and folds the outcome into the
// record being computed.
func (v *HealthValidator) runLiveProbe(ctx context.Context, userID int64, provider string, rec *entity.HealthStatusRecord, now time.Time) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := v.provider.Probe(probeCtx, userID)
	rec.LastLiveValidationAt = &now

	if err == nil {
		rec.ConsecutiveFailures = 0
		rec.LastSuccessfulOperationAt = &now
		rec.LastErrorType = ""
		rec.LastErrorMessage = ""
		return
	}

	errType := classify.Classify(err)
	rec.ConsecutiveFailures++
	rec.LastErrorType = errType
	rec.LastErrorMessage = err.Error()

	v.logger.Warn("Live probe failed",
		zap.Int64("user_id", userID),
		zap.String("provider", provider),
		zap.String("error_type", string(errType)),
		zap.Error(err),
	)
}

func (v *HealthValidator) fromCache(ctx context.Context, userID int64, provider string) *entity.HealthStatus {
	raw, err := v.cache.Get(ctx, healthCacheKey(userID, provider))
	if err != nil || raw == "" {
		return nil
	}

	var status entity.HealthStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		v.logger.Warn("Dropping corrupt health cache entry", zap.Error(err))
		v.invalidate(ctx, userID, provider)
		return nil
	}
	return &status
}

// cacheStatus memoizes the status. Non-healthy statuses get a shorter TTL so
// a recovering connection is re-checked quickly.
func (v *HealthValidator) cacheStatus(ctx context.Context, status *entity.HealthStatus) {
	ttl := v.config.Health.HealthyCacheTTL
	if status.Status != entity.StatusHealthy {
		ttl = v.config.Health.ErrorCacheTTL
	}

	body, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, healthCacheKey(status.UserID, status.Provider), string(body), ttl); err != nil {
		v.logger.Debug("Failed to cache health status", zap.Error(err))
	}
}

// InvalidateCache drops the memoized status, forcing the next validation to
// recompute from the store.
func (v *HealthValidator) InvalidateCache(ctx context.Context, userID int64, provider string) {
	v.invalidate(ctx, userID, provider)
}

func (v *HealthValidator) invalidate(ctx context.Context, userID int64, provider string) {
	if err := v.cache.Del(ctx, healthCacheKey(userID, provider)); err != nil {
		v.logger.Debug("Failed to invalidate health cache", zap.Error(err))
	}
}
