package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/infrastructure/lock"
	"dropgate/internal/notification"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTokenRepo struct {
	mu        sync.Mutex
	records   map[string]*entity.TokenRecord
	bulkLoads int
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{records: make(map[string]*entity.TokenRecord)}
}

func tokenKey(userID int64, provider string) string {
	return fmt.Sprintf("%d/%s", userID, provider)
}

func (r *fakeTokenRepo) put(rec *entity.TokenRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tokenKey(rec.UserID, rec.Provider)] = rec
}

func (r *fakeTokenRepo) FindByUserAndProvider(_ context.Context, userID int64, provider string) (*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tokenKey(userID, provider)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeTokenRepo) FindByUserIDs(_ context.Context, userIDs []int64, provider string) ([]*entity.TokenRecord, error) {
	r.mu.Lock()
	r.bulkLoads++
	r.mu.Unlock()

	var out []*entity.TokenRecord
	for _, id := range userIDs {
		if rec, err := r.FindByUserAndProvider(context.Background(), id, provider); err == nil && rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) SaveTokens(_ context.Context, userID int64, provider string, creds *entity.Credentials) error {
	r.put(&entity.TokenRecord{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
	})
	return nil
}

func (r *fakeTokenRepo) UpdateRefreshSuccess(_ context.Context, id int64, creds *entity.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.AccessToken = creds.AccessToken
			rec.RefreshToken = creds.RefreshToken
			rec.ExpiresAt = creds.ExpiresAt
			rec.RefreshFailureCount = 0
			rec.ProactiveRefreshScheduledAt = nil
			return nil
		}
	}
	return errors.New("token not found")
}

func (r *fakeTokenRepo) RecordRefreshFailure(_ context.Context, id int64, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.RefreshFailureCount++
			rec.LastRefreshAttemptAt = &at
			return rec.RefreshFailureCount, nil
		}
	}
	return 0, errors.New("token not found")
}

func (r *fakeTokenRepo) MarkRequiresIntervention(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.RequiresUserIntervention = true
			return nil
		}
	}
	return errors.New("token not found")
}

func (r *fakeTokenRepo) MarkNotificationSent(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.LastNotificationSentAt = &at
		}
	}
	return nil
}

func (r *fakeTokenRepo) IncrementNotificationFailures(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			rec.NotificationFailureCount++
			return rec.NotificationFailureCount, nil
		}
	}
	return 0, errors.New("token not found")
}

func (r *fakeTokenRepo) MarkProactiveScheduled(_ context.Context, id int64, at time.Time) (bool, error) {
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
	return false, errors.New("token not found")
}

func (r *fakeTokenRepo) FindExpiringWithin(_ context.Context, now time.Time, window time.Duration) ([]*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.TokenRecord
	for _, rec := range r.records {
		if !rec.RequiresUserIntervention && rec.ExpiresWithin(now, window) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) FindExpiringBetween(_ context.Context, now time.Time, from, to time.Duration) ([]*entity.TokenRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.TokenRecord
	for _, rec := range r.records {
		if rec.RequiresUserIntervention || rec.ProactiveRefreshScheduledAt != nil {
			continue
		}
		if rec.ExpiresAt.After(now.Add(from)) && rec.ExpiresAt.Before(now.Add(to)) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) ResetStaleFailures(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.RefreshFailureCount > 0 && rec.LastRefreshAttemptAt != nil && rec.LastRefreshAttemptAt.Before(cutoff) {
			rec.RefreshFailureCount = 0
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) ResetStuckProactiveSchedules(_ context.Context, cutoff, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.ProactiveRefreshScheduledAt != nil && rec.ProactiveRefreshScheduledAt.Before(cutoff) && rec.ExpiresAt.After(now) {
			rec.ProactiveRefreshScheduledAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) ClearOldNotificationTracking(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeTokenRepo) UserIDsWithTokens(_ context.Context, provider string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, rec := range r.records {
		if rec.Provider == provider {
			out = append(out, rec.UserID)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) Delete(_ context.Context, userID int64, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, tokenKey(userID, provider))
	return nil
}

type fakeUserRepo struct {
	users map[int64]*entity.User
	admin *entity.User
}

func (r *fakeUserRepo) FindByID(_ context.Context, id int64) (*entity.User, error) {
	return r.users[id], nil
}

func (r *fakeUserRepo) FindAdminFallback(_ context.Context) (*entity.User, error) {
	return r.admin, nil
}

// fakeProvider counts refresh and upload calls and returns configurable
// outcomes.
type fakeProvider struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	refreshDelay time.Duration
	expiry       time.Time

	uploadCalls int
	uploadErr   error
	probeCalls  int
	probeErr    error
}

func (p *fakeProvider) Name() string { return "google_drive" }

func (p *fakeProvider) RefreshToken(_ context.Context, rec *entity.TokenRecord) (*entity.Credentials, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()
	if p.refreshDelay > 0 {
		time.Sleep(p.refreshDelay)
	}
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &entity.Credentials{
		AccessToken:  "fresh-access",
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    p.expiry,
	}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

func (p *fakeProvider) UploadFile(context.Context, int64, string, string, string, string, string) (string, error) {
	p.mu.Lock()
	p.uploadCalls++
	uploadErr := p.uploadErr
	p.mu.Unlock()
	if uploadErr != nil {
		return "", uploadErr
	}
	return "provider-file-1", nil
}
func (p *fakeProvider) DeleteFile(context.Context, int64, string) (bool, error) { return false, nil }
func (p *fakeProvider) GetOrCreateUserFolderID(context.Context, int64, string) (string, error) {
	return "folder-1", nil
}
func (p *fakeProvider) Probe(context.Context, int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeCalls++
	return p.probeErr
}
func (p *fakeProvider) ExchangeCode(context.Context, string) (*entity.Credentials, error) {
	return nil, errors.New("not implemented")
}

// fakeLockProvider is an in-memory lock with the same held-means-nil
// contract as the redis one.
type fakeLockProvider struct {
	mu          sync.Mutex
	held        map[string]string
	alwaysGrant bool
}

func newFakeLockProvider() *fakeLockProvider {
	return &fakeLockProvider{held: make(map[string]string)}
}

func (p *fakeLockProvider) TryAcquire(_ context.Context, key string, _ time.Duration) (*lock.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alwaysGrant {
		return &lock.Handle{Key: key, Token: "granted"}, nil
	}
	if _, taken := p.held[key]; taken {
		return nil, nil
	}
	token := fmt.Sprintf("tok-%d", len(p.held))
	p.held[key] = token
	return &lock.Handle{Key: key, Token: token}, nil
}

func (p *fakeLockProvider) Release(_ context.Context, h *lock.Handle) error {
	if h == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held[h.Key] == h.Token {
		delete(p.held, h.Key)
	}
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	refresh   []*notification.RefreshFailedEvent
	restored  []*notification.ConnectionRestoredEvent
	uploads   []*notification.UploadFailedEvent
	escalated []*notification.AdminEscalationEvent
	fail      bool
}

func (n *fakeNotifier) RefreshFailed(_ context.Context, e *notification.RefreshFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("webhook unreachable")
	}
	n.refresh = append(n.refresh, e)
	return nil
}

func (n *fakeNotifier) ConnectionRestored(_ context.Context, e *notification.ConnectionRestoredEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restored = append(n.restored, e)
	return nil
}

func (n *fakeNotifier) UploadFailed(_ context.Context, e *notification.UploadFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploads = append(n.uploads, e)
	return nil
}

func (n *fakeNotifier) EscalateToAdmin(_ context.Context, e *notification.AdminEscalationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalated = append(n.escalated, e)
	return nil
}

func (n *fakeNotifier) refreshCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.refresh)
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Provider: config.ProviderGoogleDrive},
		TokenRefresh: config.TokenRefreshConfig{
			ProactiveEnabled:   true,
			ProactiveWindow:    15 * time.Minute,
			ExpiringSoonWindow: 30 * time.Minute,
			ScheduleLead:       15 * time.Minute,
			LockTTL:            30 * time.Second,
			AttemptTimeout:     5 * time.Second,
			RetryUntil:         time.Hour,
		},
		Health: config.HealthConfig{
			HealthyCacheTTL:    30 * time.Second,
			ErrorCacheTTL:      10 * time.Second,
			UnhealthyThreshold: 5,
		},
		Recovery: config.RecoveryConfig{
			AutomaticEnabled:    true,
			MaxRecoveryAttempts: 3,
			UnhealthyRetryDelay: 5 * time.Minute,
			UploadRetryUntil:    30 * time.Minute,
		},
		Notifications: config.NotificationConfig{
			ThrottleWindow:      24 * time.Hour,
			EscalationThreshold: 3,
		},
	}
}

type renewalFixture struct {
	service  *TokenRenewalService
	tokens   *fakeTokenRepo
	provider *fakeProvider
	locks    *fakeLockProvider
	notifier *fakeNotifier
	clock    *fakeClock
}

func newRenewalFixture(t *testing.T) *renewalFixture {
	t.Helper()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tokens := newFakeTokenRepo()
	users := &fakeUserRepo{
		users: map[int64]*entity.User{
			1: {ID: 1, Email: "employee@example.com"},
		},
		admin: &entity.User{ID: 99, Email: "admin@example.com", IsAdmin: true},
	}
	provider := &fakeProvider{expiry: clk.Now().Add(time.Hour)}
	locks := newFakeLockProvider()
	notifier := &fakeNotifier{}

	service := NewTokenRenewalService(tokens, users, provider, locks, notifier, clk, testConfig(), zap.NewNop())

	return &renewalFixture{
		service:  service,
		tokens:   tokens,
		provider: provider,
		locks:    locks,
		notifier: notifier,
		clock:    clk,
	}
}

func (f *renewalFixture) seedToken(expiresIn time.Duration) *entity.TokenRecord {
	rec := &entity.TokenRecord{
		ID:           1,
		UserID:       1,
		Provider:     "google_drive",
		AccessToken:  "old-access",
		RefreshToken: "refresh-token",
		ExpiresAt:    f.clock.Now().Add(expiresIn),
	}
	f.tokens.put(rec)
	return rec
}

func TestRefreshSkipsValidToken(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(2 * time.Hour)

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	assert.True(t, result.Success)
	assert.True(t, result.WasAlreadyValid)
	assert.Equal(t, 0, f.provider.calls())
}

func TestRefreshNoToken(t *testing.T) {
	f := newRenewalFixture(t)

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	assert.False(t, result.Success)
	assert.True(t, result.NoToken)
	assert.Equal(t, 0, f.provider.calls())
}

func TestRefreshUpdatesStore(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	require.True(t, result.Success)
	assert.False(t, result.WasAlreadyValid)
	assert.Equal(t, 1, f.provider.calls())

	rec, err := f.tokens.FindByUserAndProvider(context.Background(), 1, "google_drive")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", rec.AccessToken)
	assert.Equal(t, 0, rec.RefreshFailureCount)
}

func TestRefreshWhileLockHeldByAnotherProcess(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)

	_, err := f.locks.TryAcquire(context.Background(), refreshLockKey(1, "google_drive"), time.Minute)
	require.NoError(t, err)

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	assert.True(t, result.Success)
	assert.True(t, result.WasRefreshedByAnotherProcess)
	assert.Equal(t, 0, f.provider.calls())
}

func TestConcurrentRefreshMakesOneVendorCall(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)
	f.provider.refreshDelay = 20 * time.Millisecond

	const goroutines = 16
	var wg sync.WaitGroup
	results := make([]*entity.RefreshResult, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.provider.calls())
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestInterventionOnRevokedToken(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)
	f.provider.refreshErr = errors.New("oauth2: \"invalid_grant\" token has been revoked")

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	assert.False(t, result.Success)
	assert.True(t, result.RequiresUserIntervention)
	assert.Equal(t, classify.InvalidRefreshToken, result.ErrorType)

	rec, _ := f.tokens.FindByUserAndProvider(context.Background(), 1, "google_drive")
	assert.True(t, rec.RequiresUserIntervention)
	assert.Equal(t, 1, f.notifier.refreshCount())
}

func TestInterventionShortCircuitsNextRefresh(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)
	f.provider.refreshErr = errors.New("invalid_grant")

	first := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
	require.True(t, first.RequiresUserIntervention)

	second := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
	assert.True(t, second.RequiresUserIntervention)
	assert.Equal(t, 1, f.provider.calls())
}

func TestNotificationThrottledWithinWindow(t *testing.T) {
	f := newRenewalFixture(t)
	rec := f.seedToken(5 * time.Minute)
	f.provider.refreshErr = errors.New("invalid_grant")

	f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
	require.Equal(t, 1, f.notifier.refreshCount())

	// Simulate a manual clear of the intervention flag without touching
	// the throttle, then fail again with the same error type.
	rec2, _ := f.tokens.FindByUserAndProvider(context.Background(), rec.UserID, rec.Provider)
	rec2.RequiresUserIntervention = false
	f.tokens.put(rec2)

	f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
	assert.Equal(t, 1, f.notifier.refreshCount(), "second notification should be throttled")
}

func TestEscalationAfterRepeatedNotificationFailures(t *testing.T) {
	f := newRenewalFixture(t)
	f.seedToken(5 * time.Minute)
	f.provider.refreshErr = errors.New("invalid_grant")
	f.notifier.fail = true
	f.locks.alwaysGrant = true

	for i := 0; i < 3; i++ {
		rec, _ := f.tokens.FindByUserAndProvider(context.Background(), 1, "google_drive")
		rec.RequiresUserIntervention = false
		f.tokens.put(rec)
		f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.escalated, 1)
	assert.Equal(t, "admin@example.com", f.notifier.escalated[0].AdminEmail)
}

func TestRestoredNotificationAfterFailures(t *testing.T) {
	f := newRenewalFixture(t)
	rec := f.seedToken(5 * time.Minute)
	rec.RefreshFailureCount = 2
	f.tokens.put(rec)

	result := f.service.RefreshTokenIfNeeded(context.Background(), 1, "google_drive")

	require.True(t, result.Success)
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Len(t, f.notifier.restored, 1)
}
