package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/infrastructure/queue"
)

type fakeUploadRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*entity.FileUploadRecord
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{records: make(map[int64]*entity.FileUploadRecord)}
}

func (r *fakeUploadRepo) Create(_ context.Context, rec *entity.FileUploadRecord) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cp := *rec
	cp.ID = r.nextID
	r.records[cp.ID] = &cp
	return cp.ID, nil
}

func (r *fakeUploadRepo) FindByID(_ context.Context, id int64) (*entity.FileUploadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeUploadRepo) FindPendingByUser(_ context.Context, userID int64) ([]*entity.FileUploadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.FileUploadRecord
	for _, rec := range r.records {
		owner := rec.CompanyUserID
		if owner == nil {
			owner = rec.UploaderUserID
		}
		if owner != nil && *owner == userID && rec.IsPending() && rec.Status != entity.UploadStatusRecoveryFailed {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeUploadRepo) MarkUploading(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false, nil
	}
	if rec.Status != entity.UploadStatusPending && rec.Status != entity.UploadStatusFailed {
		return false, nil
	}
	rec.Status = entity.UploadStatusUploading
	return true, nil
}

func (r *fakeUploadRepo) MarkUploaded(_ context.Context, id int64, providerFileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.ProviderFileID = providerFileID
	rec.Status = entity.UploadStatusUploaded
	rec.CloudErrorType = ""
	rec.CloudErrorMessage = ""
	return nil
}

func (r *fakeUploadRepo) RecordCloudError(_ context.Context, id int64, errType classify.ErrorType, msg string, recoverable bool, retryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.Status = entity.UploadStatusFailed
	rec.CloudErrorType = errType
	rec.CloudErrorMessage = msg
	rec.CloudErrorRecoverable = recoverable
	rec.RetryRecommendedAt = retryAt
	return nil
}

func (r *fakeUploadRepo) ClearCloudError(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.CloudErrorType = ""
	rec.CloudErrorMessage = ""
	rec.CloudErrorRecoverable = false
	rec.RetryRecommendedAt = nil
	rec.Status = entity.UploadStatusPending
	return nil
}

func (r *fakeUploadRepo) IncrementRecoveryAttempts(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.RecoveryAttempts++
	return rec.RecoveryAttempts, nil
}

func (r *fakeUploadRepo) MarkRecoveryFailed(_ context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.Status = entity.UploadStatusRecoveryFailed
	rec.CloudErrorMessage = reason
	return nil
}

func (r *fakeUploadRepo) UserIDsWithRecentUploads(_ context.Context, _ time.Time) ([]int64, error) {
	return nil, nil
}

type enqueuedTask struct {
	name    string
	payload interface{}
}

type fakeTaskQueue struct {
	mu    sync.Mutex
	tasks []enqueuedTask
}

func (q *fakeTaskQueue) Enqueue(_ context.Context, name string, payload interface{}, _ ...queue.Option) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, enqueuedTask{name: name, payload: payload})
	return nil
}

func (q *fakeTaskQueue) byName(name string) []enqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueuedTask
	for _, task := range q.tasks {
		if task.name == name {
			out = append(out, task)
		}
	}
	return out
}

type fakeSpool struct {
	mu       sync.Mutex
	files    map[string]bool
	archived []string
	nextID   int
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{files: make(map[string]bool)}
}

func (s *fakeSpool) SaveIncoming(filename string, r io.Reader) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	path := fmt.Sprintf("/spool/incoming/%d-%s", s.nextID, filename)
	body, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	s.files[path] = true
	return path, int64(len(body)), nil
}

func (s *fakeSpool) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path]
}

func (s *fakeSpool) Archive(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.files[path] {
		return errors.New("file not spooled")
	}
	delete(s.files, path)
	s.archived = append(s.archived, path)
	return nil
}

func (s *fakeSpool) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

func (s *fakeSpool) GetIncomingPath() string { return "/spool/incoming" }
func (s *fakeSpool) GetArchivePath() string  { return "/spool/archive" }

type pipelineFixture struct {
	pipeline *UploadPipeline
	uploads  *fakeUploadRepo
	tokens   *fakeTokenRepo
	health   *fakeHealthRepo
	provider *fakeProvider
	spool    *fakeSpool
	queue    *fakeTaskQueue
	notifier *fakeNotifier
	clock    *fakeClock
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	tokens := newFakeTokenRepo()
	health := newFakeHealthRepo()
	uploads := newFakeUploadRepo()
	users := &fakeUserRepo{
		users: map[int64]*entity.User{
			1: {ID: 1, Email: "employee@example.com"},
		},
		admin: &entity.User{ID: 99, Email: "admin@example.com", IsAdmin: true},
	}
	provider := &fakeProvider{expiry: clk.Now().Add(time.Hour)}
	locks := newFakeLockProvider()
	notifier := &fakeNotifier{}
	cache := newFakeCache()
	sp := newFakeSpool()
	q := &fakeTaskQueue{}

	logger := zap.NewNop()
	renewal := NewTokenRenewalService(tokens, users, provider, locks, notifier, clk, cfg, logger)
	validator := NewHealthValidator(tokens, health, provider, cache, clk, cfg, logger)
	pipeline := NewUploadPipeline(uploads, users, renewal, validator, provider, sp, q, notifier, clk, cfg, logger)
	validator.SetRecoveryDispatcher(pipeline)

	return &pipelineFixture{
		pipeline: pipeline,
		uploads:  uploads,
		tokens:   tokens,
		health:   health,
		provider: provider,
		spool:    sp,
		queue:    q,
		notifier: notifier,
		clock:    clk,
	}
}

func (f *pipelineFixture) seedToken(userID int64, expiresIn time.Duration) {
	f.tokens.put(&entity.TokenRecord{
		ID:           userID,
		UserID:       userID,
		Provider:     "google_drive",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    f.clock.Now().Add(expiresIn),
	})
}

func (f *pipelineFixture) receive(t *testing.T) *entity.FileUploadRecord {
	t.Helper()
	userID := int64(1)
	rec, err := f.pipeline.Receive(context.Background(), &ReceiveInput{
		CompanyUserID: &userID,
		Filename:      "payslip.pdf",
		MimeType:      "application/pdf",
		Body:          strings.NewReader("pdf-bytes"),
	})
	require.NoError(t, err)
	return rec
}

func TestReceiveSpoolsAndEnqueues(t *testing.T) {
	f := newPipelineFixture(t)

	rec := f.receive(t)

	assert.Equal(t, entity.UploadStatusPending, rec.Status)
	assert.True(t, f.spool.Exists(rec.LocalPath))
	assert.Len(t, f.queue.byName(TaskUploadProcess), 1)
}

func TestProcessUploadHappyPath(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	rec := f.receive(t)

	err := f.pipeline.ProcessUpload(context.Background(), rec.ID)
	require.NoError(t, err)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusUploaded, stored.Status)
	assert.Equal(t, "provider-file-1", stored.ProviderFileID)
	assert.Contains(t, f.spool.archived, rec.LocalPath)
	assert.False(t, f.spool.Exists(rec.LocalPath))
}

func TestProcessUploadIdempotentOnUploaded(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	rec := f.receive(t)

	require.NoError(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))
	uploadCallsAfterFirst := f.provider.uploadCalls

	require.NoError(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))
	assert.Equal(t, uploadCallsAfterFirst, f.provider.uploadCalls)
}

func TestProcessUploadDeferredWhenUnhealthy(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.health.Upsert(context.Background(), &entity.HealthStatusRecord{
		UserID:              1,
		Provider:            "google_drive",
		ConsecutiveFailures: 6,
	})
	rec := f.receive(t)

	err := f.pipeline.ProcessUpload(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrConnectionUnhealthy)
	assert.Equal(t, 0, f.provider.uploadCalls)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusPending, stored.Status)
}

func TestRecoverableFailureSchedulesRetry(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("503 service unavailable")
	rec := f.receive(t)

	err := f.pipeline.ProcessUpload(context.Background(), rec.ID)
	require.Error(t, err)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusFailed, stored.Status)
	assert.Equal(t, classify.ServiceUnavailable, stored.CloudErrorType)
	assert.True(t, stored.CloudErrorRecoverable)
	assert.NotNil(t, stored.RetryRecommendedAt)
	assert.Len(t, f.queue.byName(TaskUploadRetry), 1)
}

func TestUnrecoverableFailureNotifiesAndStops(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("invalid file type")
	rec := f.receive(t)

	err := f.pipeline.ProcessUpload(context.Background(), rec.ID)
	require.NoError(t, err)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusRecoveryFailed, stored.Status)
	assert.Empty(t, f.queue.byName(TaskUploadRetry))

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Len(t, f.notifier.uploads, 1)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("connection reset")
	rec := f.receive(t)

	require.Error(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))

	// MaxRecoveryAttempts is 3 in the test config: three retries may run,
	// the fourth attempt must fail terminally without touching the vendor.
	for i := 0; i < 3; i++ {
		f.pipeline.RetryUpload(context.Background(), rec.ID)
	}
	callsAfterBudget := f.provider.uploadCalls

	err := f.pipeline.RetryUpload(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, callsAfterBudget, f.provider.uploadCalls)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusRecoveryFailed, stored.Status)
}

func TestRetryReleasedWhileConnectionDown(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("connection reset")
	rec := f.receive(t)
	require.Error(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))

	f.health.Upsert(context.Background(), &entity.HealthStatusRecord{
		UserID:              1,
		Provider:            "google_drive",
		Status:              entity.StatusUnhealthy,
		ConsecutiveFailures: 6,
	})

	attemptsBefore, _ := f.uploads.FindByID(context.Background(), rec.ID)
	err := f.pipeline.RetryUpload(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "released")

	attemptsAfter, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, attemptsBefore.RecoveryAttempts+1, attemptsAfter.RecoveryAttempts)
}

func TestRetryTerminalWhenSpoolFileMissing(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("connection reset")
	rec := f.receive(t)
	require.Error(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))

	f.spool.Remove(rec.LocalPath)
	f.provider.uploadErr = nil

	err := f.pipeline.RetryUpload(context.Background(), rec.ID)
	require.NoError(t, err)

	stored, _ := f.uploads.FindByID(context.Background(), rec.ID)
	assert.Equal(t, entity.UploadStatusRecoveryFailed, stored.Status)
}

func TestDispatchPendingUploadRetries(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("connection reset")

	first := f.receive(t)
	second := f.receive(t)
	require.Error(t, f.pipeline.ProcessUpload(context.Background(), first.ID))
	require.Error(t, f.pipeline.ProcessUpload(context.Background(), second.ID))

	retriesBefore := len(f.queue.byName(TaskUploadRetry))

	err := f.pipeline.DispatchPendingUploadRetries(context.Background(), 1, "google_drive")
	require.NoError(t, err)

	assert.Equal(t, retriesBefore+2, len(f.queue.byName(TaskUploadRetry)))
}

func TestRecoveryDispatchEndToEnd(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedToken(1, time.Hour)
	f.provider.uploadErr = errors.New("connection reset")
	rec := f.receive(t)
	require.Error(t, f.pipeline.ProcessUpload(context.Background(), rec.ID))

	f.health.Upsert(context.Background(), &entity.HealthStatusRecord{
		UserID:              1,
		Provider:            "google_drive",
		Status:              entity.StatusUnhealthy,
		ConsecutiveFailures: 6,
	})
	retriesBefore := len(f.queue.byName(TaskUploadRetry))

	// A successful operation on an unhealthy connection triggers the
	// validator's recovery hook, which schedules the stalled upload.
	f.pipeline.health.RecordOperationResult(context.Background(), 1, "google_drive", nil)

	assert.Equal(t, retriesBefore+1, len(f.queue.byName(TaskUploadRetry)))
}
