package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/domain/entity"
	"dropgate/internal/infrastructure/queue"
	"dropgate/internal/usecase"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time { return c.now }

type stubTokenRepo struct {
	mu      sync.Mutex
	records []*entity.TokenRecord

	staleResets int
	stuckResets int
}

func (r *stubTokenRepo) FindByUserAndProvider(_ context.Context, userID int64, provider string) (*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.UserID == userID && rec.Provider == provider {
			return rec, nil
		}
	}
	return nil, nil
}

func (r *stubTokenRepo) FindByUserIDs(context.Context, []int64, string) ([]*entity.TokenRecord, error) {
	return nil, nil
}

func (r *stubTokenRepo) SaveTokens(context.Context, int64, string, *entity.Credentials) error {
	return nil
}

func (r *stubTokenRepo) UpdateRefreshSuccess(context.Context, int64, *entity.Credentials) error {
	return nil
}

func (r *stubTokenRepo) RecordRefreshFailure(context.Context, int64, time.Time) (int, error) {
	return 0, nil
}

func (r *stubTokenRepo) MarkRequiresIntervention(context.Context, int64) error { return nil }

func (r *stubTokenRepo) MarkNotificationSent(context.Context, int64, time.Time) error { return nil }

func (r *stubTokenRepo) IncrementNotificationFailures(context.Context, int64) (int, error) {
	return 0, nil
}

func (r *stubTokenRepo) MarkProactiveScheduled(_ context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			if rec.ProactiveRefreshScheduledAt != nil {
				return false, nil
			}
			rec.ProactiveRefreshScheduledAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (r *stubTokenRepo) FindExpiringWithin(_ context.Context, now time.Time, window time.Duration) ([]*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.TokenRecord
	for _, rec := range r.records {
		if !rec.RequiresUserIntervention && rec.ExpiresWithin(now, window) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubTokenRepo) FindExpiringBetween(_ context.Context, now time.Time, from, to time.Duration) ([]*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.TokenRecord
	for _, rec := range r.records {
		if rec.RequiresUserIntervention {
			continue
		}
		if rec.ExpiresAt.After(now.Add(from)) && rec.ExpiresAt.Before(now.Add(to)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *stubTokenRepo) ResetStaleFailures(context.Context, time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleResets++
	return 0, nil
}

func (r *stubTokenRepo) ResetStuckProactiveSchedules(context.Context, time.Time, time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stuckResets++
	return 0, nil
}

func (r *stubTokenRepo) ClearOldNotificationTracking(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *stubTokenRepo) UserIDsWithTokens(context.Context, string) ([]int64, error) {
	return nil, nil
}

func (r *stubTokenRepo) Delete(context.Context, int64, string) error { return nil }

type recordedTask struct {
	name    string
	payload interface{}
	delay   time.Duration
}

type stubQueue struct {
	mu    sync.Mutex
	tasks []recordedTask
}

func (q *stubQueue) Enqueue(_ context.Context, name string, payload interface{}, opts ...queue.Option) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, recordedTask{name: name, payload: payload})
	return nil
}

func (q *stubQueue) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, task := range q.tasks {
		if task.name == name {
			n++
		}
	}
	return n
}

func jobConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Provider: config.ProviderGoogleDrive},
		TokenRefresh: config.TokenRefreshConfig{
			ProactiveEnabled:   true,
			ProactiveWindow:    15 * time.Minute,
			ExpiringSoonWindow: 30 * time.Minute,
			ScheduleLead:       15 * time.Minute,
			RetryUntil:         time.Hour,
		},
		Recovery: config.RecoveryConfig{
			FailureAmnestyAge:     7 * 24 * time.Hour,
			StuckScheduleAge:      2 * time.Hour,
			NotificationRetention: 30 * 24 * time.Hour,
			StaleHealthAge:        30 * 24 * time.Hour,
			OrphanHealthAge:       90 * 24 * time.Hour,
		},
	}
}

func TestMaintenanceEnqueuesExpiringTokens(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens := &stubTokenRepo{
		records: []*entity.TokenRecord{
			{ID: 1, UserID: 1, Provider: "google_drive", ExpiresAt: now.Add(10 * time.Minute)},
			{ID: 2, UserID: 2, Provider: "google_drive", ExpiresAt: now.Add(6 * time.Hour)},
			{ID: 3, UserID: 3, Provider: "google_drive", ExpiresAt: now.Add(5 * time.Minute), RequiresUserIntervention: true},
		},
	}
	q := &stubQueue{}

	job := NewTokenMaintenanceJob(tokens, q, &stubClock{now: now}, jobConfig(), zap.NewNop())
	job.Run(context.Background(), "op-1")

	// Token 1 is inside the expiring-soon window, token 2 gets a proactive
	// schedule, token 3 is flagged and must be skipped entirely.
	require.Equal(t, 2, q.count(usecase.TaskTokenRefresh))

	rec, _ := tokens.FindByUserAndProvider(context.Background(), 2, "google_drive")
	assert.NotNil(t, rec.ProactiveRefreshScheduledAt)
}

func TestProactiveSchedulingIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens := &stubTokenRepo{
		records: []*entity.TokenRecord{
			{ID: 1, UserID: 1, Provider: "google_drive", ExpiresAt: now.Add(6 * time.Hour)},
		},
	}
	q := &stubQueue{}

	job := NewTokenMaintenanceJob(tokens, q, &stubClock{now: now}, jobConfig(), zap.NewNop())
	job.Run(context.Background(), "op-1")
	job.Run(context.Background(), "op-2")

	// The conditional schedule mark keeps the second sweep from enqueueing
	// a duplicate refresh.
	assert.Equal(t, 1, q.count(usecase.TaskTokenRefresh))
}

func TestMaintenanceSkipsProactiveWhenDisabled(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens := &stubTokenRepo{
		records: []*entity.TokenRecord{
			{ID: 1, UserID: 1, Provider: "google_drive", ExpiresAt: now.Add(6 * time.Hour)},
		},
	}
	q := &stubQueue{}
	cfg := jobConfig()
	cfg.TokenRefresh.ProactiveEnabled = false

	job := NewTokenMaintenanceJob(tokens, q, &stubClock{now: now}, cfg, zap.NewNop())
	job.Run(context.Background(), "op-1")

	assert.Equal(t, 0, q.count(usecase.TaskTokenRefresh))
}

func TestMaintenanceRunsFailureAmnesty(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tokens := &stubTokenRepo{}
	q := &stubQueue{}

	job := NewTokenMaintenanceJob(tokens, q, &stubClock{now: now}, jobConfig(), zap.NewNop())
	job.Run(context.Background(), "op-1")

	assert.Equal(t, 1, tokens.staleResets)
}
