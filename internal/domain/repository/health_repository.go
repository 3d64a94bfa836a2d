package repository

import (
	"context"
	"time"

	"dropgate/internal/domain/entity"
)

// HealthRepository is the authoritative store for consolidated connection
// health. The redis cache in front of it is disposable.
type HealthRepository interface {
	// FindByUserAndProvider returns the record, or nil without error when
	// none exists yet (records are created lazily on first validation).
	FindByUserAndProvider(ctx context.Context, userID int64, provider string) (*entity.HealthStatusRecord, error)

	// FindByUserIDs bulk-loads health records for a batch of users.
	FindByUserIDs(ctx context.Context, userIDs []int64, provider string) ([]*entity.HealthStatusRecord, error)

	// Upsert writes the consolidated status for a user/provider pair.
	Upsert(ctx context.Context, rec *entity.HealthStatusRecord) error

	// RecordSuccess resets consecutive_failures and stamps the last
	// successful operation atomically.
	RecordSuccess(ctx context.Context, userID int64, provider string, at time.Time) error

	// RecordFailure increments consecutive_failures and stores the last
	// error atomically, returning the new failure count.
	RecordFailure(ctx context.Context, userID int64, provider string, errType, errMsg string, at time.Time) (int, error)

	// DeleteOrphaned removes records whose user no longer exists.
	DeleteOrphaned(ctx context.Context) (int64, error)

	// DeleteStaleWithoutActivity removes records not updated since
	// staleBefore belonging to users with no uploads since activitySince.
	DeleteStaleWithoutActivity(ctx context.Context, staleBefore, activitySince time.Time) (int64, error)

	// Delete removes the record on explicit disconnect.
	Delete(ctx context.Context, userID int64, provider string) error
}
