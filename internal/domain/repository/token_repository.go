package repository

import (
	"context"
	"time"

	"dropgate/internal/domain/entity"
)

// TokenRepository is the authoritative store for OAuth credentials. All
// counter and flag mutations are atomic conditional updates so concurrent
// workers never race on read-modify-write.
type TokenRepository interface {
	// FindByUserAndProvider returns the token record, or nil without error
	// when none exists.
	FindByUserAndProvider(ctx context.Context, userID int64, provider string) (*entity.TokenRecord, error)

	// FindByUserIDs bulk-loads token records for a batch of users.
	FindByUserIDs(ctx context.Context, userIDs []int64, provider string) ([]*entity.TokenRecord, error)

	// SaveTokens upserts credentials after an OAuth handshake or a manual
	// reconnect, clearing failure counters and the intervention flag.
	SaveTokens(ctx context.Context, userID int64, provider string, creds *entity.Credentials) error

	// UpdateRefreshSuccess persists a refreshed credential, resets
	// refresh_failure_count and clears the proactive schedule mark.
	UpdateRefreshSuccess(ctx context.Context, id int64, creds *entity.Credentials) error

	// RecordRefreshFailure increments refresh_failure_count and stamps
	// last_refresh_attempt_at, returning the new count.
	RecordRefreshFailure(ctx context.Context, id int64, at time.Time) (int, error)

	// MarkRequiresIntervention sets the terminal intervention flag.
	MarkRequiresIntervention(ctx context.Context, id int64) error

	// MarkNotificationSent stamps last_notification_sent_at.
	MarkNotificationSent(ctx context.Context, id int64, at time.Time) error

	// IncrementNotificationFailures bumps the failed-notification counter
	// and returns the new count.
	IncrementNotificationFailures(ctx context.Context, id int64) (int, error)

	// MarkProactiveScheduled stamps proactive_refresh_scheduled_at only if
	// it is currently unset. Returns false when already scheduled.
	MarkProactiveScheduled(ctx context.Context, id int64, at time.Time) (bool, error)

	// FindExpiringWithin returns unflagged tokens expiring before
	// now+window.
	FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*entity.TokenRecord, error)

	// FindExpiringBetween returns unflagged tokens expiring inside
	// [now+from, now+to] with no proactive refresh scheduled yet.
	FindExpiringBetween(ctx context.Context, now time.Time, from, to time.Duration) ([]*entity.TokenRecord, error)

	// ResetStaleFailures zeroes failure counters whose last attempt is
	// older than the cutoff. Returns the number of rows touched.
	ResetStaleFailures(ctx context.Context, cutoff time.Time) (int64, error)

	// ResetStuckProactiveSchedules clears proactive schedule marks set
	// before the cutoff on tokens that are still unexpired.
	ResetStuckProactiveSchedules(ctx context.Context, cutoff, now time.Time) (int64, error)

	// ClearOldNotificationTracking resets notification fields older than
	// the cutoff.
	ClearOldNotificationTracking(ctx context.Context, cutoff time.Time) (int64, error)

	// UserIDsWithTokens returns every user holding a token for the
	// provider.
	UserIDsWithTokens(ctx context.Context, provider string) ([]int64, error)

	// Delete removes the credential on explicit disconnect.
	Delete(ctx context.Context, userID int64, provider string) error
}
