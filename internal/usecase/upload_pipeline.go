package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"dropgate/internal/clock"
	"dropgate/internal/config"
	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/domain/storage"
	"dropgate/internal/infrastructure/queue"
	"dropgate/internal/infrastructure/spool"
	"dropgate/internal/notification"
)

// Task names handled by the background workers.
const (
	TaskTokenRefresh  = "token:refresh"
	TaskUploadProcess = "upload:process"
	TaskUploadRetry   = "upload:retry"
)

// ErrConnectionUnhealthy signals that the upload was not attempted because
// the target connection is not usable right now.
var ErrConnectionUnhealthy = errors.New("connection is not usable")

// UploadPipeline moves received files from the local spool to the cloud
// storage provider and owns automatic recovery of failed forwards.
type UploadPipeline struct {
	uploads  repository.UploadRepository
	users    repository.UserRepository
	renewal  *TokenRenewalService
	health   *HealthValidator
	provider storage.CloudStorageProvider
	spool    spool.Spool
	queue    queue.TaskQueue
	notifier notification.Notifier
	clock    clock.Clock
	config   *config.Config
	logger   *zap.Logger
}

func NewUploadPipeline(
	uploads repository.UploadRepository,
	users repository.UserRepository,
	renewal *TokenRenewalService,
	health *HealthValidator,
	provider storage.CloudStorageProvider,
	sp spool.Spool,
	q queue.TaskQueue,
	notifier notification.Notifier,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *UploadPipeline {
	return &UploadPipeline{
		uploads:  uploads,
		users:    users,
		renewal:  renewal,
		health:   health,
		provider: provider,
		spool:    sp,
		queue:    q,
		notifier: notifier,
		clock:    clk,
		config:   cfg,
		logger:   logger,
	}
}

// ReceiveInput describes one incoming file.
type ReceiveInput struct {
	CompanyUserID  *int64
	UploaderUserID *int64
	Filename       string
	MimeType       string
	Description    string
	Body           io.Reader
}

// UploadTaskPayload is the queue payload for process and retry tasks.
type UploadTaskPayload struct {
	UploadID int64 `json:"upload_id"`
}

// Receive spools an incoming file, records it and schedules forwarding.
func (p *UploadPipeline) Receive(ctx context.Context, in *ReceiveInput) (*entity.FileUploadRecord, error) {
	path, size, err := p.spool.SaveIncoming(in.Filename, in.Body)
	if err != nil {
		return nil, err
	}
	if p.config.Uploads.MaxSizeBytes > 0 && size > p.config.Uploads.MaxSizeBytes {
		p.spool.Remove(path)
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", p.config.Uploads.MaxSizeBytes)
	}

	rec := &entity.FileUploadRecord{
		CompanyUserID:   in.CompanyUserID,
		UploaderUserID:  in.UploaderUserID,
		StorageProvider: p.config.Storage.Provider,
		LocalPath:       path,
		Filename:        in.Filename,
		MimeType:        in.MimeType,
		SizeBytes:       size,
		Description:     in.Description,
		Status:          entity.UploadStatusPending,
	}

	id, err := p.uploads.Create(ctx, rec)
	if err != nil {
		p.spool.Remove(path)
		return nil, err
	}
	rec.ID = id

	if err := p.queue.Enqueue(ctx, TaskUploadProcess, &UploadTaskPayload{UploadID: id}); err != nil {
		// The record exists; the maintenance jobs will pick it up later.
		p.logger.Error("Failed to enqueue upload task",
			zap.Int64("upload_id", id),
			zap.Error(err),
		)
	}

	p.logger.Info("Upload received",
		zap.Int64("upload_id", id),
		zap.String("filename", in.Filename),
		zap.Int64("size", size),
	)

	return rec, nil
}

// Lookup returns the upload record, or nil when it does not exist.
func (p *UploadPipeline) Lookup(ctx context.Context, uploadID int64) (*entity.FileUploadRecord, error) {
	return p.uploads.FindByID(ctx, uploadID)
}

// ProcessUpload forwards one spooled file to the provider. Idempotent: a
// record that already reached the provider is a no-op, and the uploading
// claim ensures only one worker forwards a given file.
func (p *UploadPipeline) ProcessUpload(ctx context.Context, uploadID int64) error {
	rec, err := p.uploads.FindByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if rec == nil {
		p.logger.Warn("Upload record vanished", zap.Int64("upload_id", uploadID))
		return nil
	}
	if !rec.IsPending() {
		return nil
	}

	target, err := p.resolveTargetUser(ctx, rec)
	if err != nil {
		return err
	}

	status, err := p.health.ValidateConnectionHealth(ctx, target.ID, rec.StorageProvider)
	if err != nil {
		return err
	}
	if !status.Status.Usable() {
		p.logger.Info("Deferring upload, connection not usable",
			zap.Int64("upload_id", uploadID),
			zap.Int64("user_id", target.ID),
			zap.String("status", string(status.Status)),
		)
		return ErrConnectionUnhealthy
	}

	claimed, err := p.uploads.MarkUploading(ctx, uploadID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	refresh := p.renewal.RefreshTokenIfNeeded(ctx, target.ID, rec.StorageProvider)
	if !refresh.Success {
		cause := refresh.Err
		if cause == nil {
			cause = fmt.Errorf("token not usable: %s", refresh.Message)
		}
		return p.handleUploadFailure(ctx, rec, target, cause, !refresh.RequiresUserIntervention && !refresh.NoToken)
	}

	if !p.spool.Exists(rec.LocalPath) {
		p.logger.Error("Spooled file missing, failing upload",
			zap.Int64("upload_id", uploadID),
			zap.String("path", rec.LocalPath),
		)
		return p.failTerminally(ctx, rec, target, "spooled file missing from disk")
	}

	folderID, err := p.provider.GetOrCreateUserFolderID(ctx, target.ID, target.Email)
	if err != nil {
		return p.handleUploadFailure(ctx, rec, target, err, true)
	}

	fileID, err := p.provider.UploadFile(ctx, target.ID, rec.LocalPath, folderID, rec.Filename, rec.MimeType, rec.Description)
	if err != nil {
		return p.handleUploadFailure(ctx, rec, target, err, true)
	}

	if err := p.uploads.MarkUploaded(ctx, uploadID, fileID); err != nil {
		return err
	}
	if err := p.spool.Archive(rec.LocalPath); err != nil {
		p.logger.Warn("Failed to archive forwarded file",
			zap.Int64("upload_id", uploadID),
			zap.Error(err),
		)
	}

	p.health.RecordOperationResult(ctx, target.ID, rec.StorageProvider, nil)

	p.logger.Info("Upload forwarded",
		zap.Int64("upload_id", uploadID),
		zap.String("provider_file_id", fileID),
	)

	return nil
}

// RetryUpload runs one automatic recovery attempt for a failed upload.
// Returns queue.Release when the connection is still down so the task comes
// back later without burning an attempt.
func (p *UploadPipeline) RetryUpload(ctx context.Context, uploadID int64) error {
	rec, err := p.uploads.FindByID(ctx, uploadID)
	if err != nil {
		return err
	}
	if rec == nil || !rec.IsPending() {
		return nil
	}
	if rec.Status == entity.UploadStatusRecoveryFailed {
		return nil
	}

	target, err := p.resolveTargetUser(ctx, rec)
	if err != nil {
		return err
	}

	attempts, err := p.uploads.IncrementRecoveryAttempts(ctx, uploadID)
	if err != nil {
		return err
	}
	if attempts > p.config.Recovery.MaxRecoveryAttempts {
		p.logger.Warn("Recovery attempts exhausted",
			zap.Int64("upload_id", uploadID),
			zap.Int("attempts", attempts),
		)
		return p.failTerminally(ctx, rec, target, fmt.Sprintf("exhausted %d recovery attempts", attempts-1))
	}

	if !p.spool.Exists(rec.LocalPath) {
		return p.failTerminally(ctx, rec, target, "spooled file missing from disk")
	}

	status, err := p.health.ValidateConnectionHealth(ctx, target.ID, rec.StorageProvider)
	if err != nil {
		return err
	}
	if !status.Status.Usable() {
		// Come back after the connection had a chance to recover. The
		// release does not consume a queue attempt.
		return queue.Release(p.config.Recovery.UnhealthyRetryDelay)
	}

	if err := p.uploads.ClearCloudError(ctx, uploadID); err != nil {
		return err
	}

	return p.ProcessUpload(ctx, uploadID)
}

// DispatchPendingUploadRetries schedules recovery for every retryable upload
// of the user. Called when a connection transitions back to usable.
func (p *UploadPipeline) DispatchPendingUploadRetries(ctx context.Context, userID int64, provider string) error {
	pending, err := p.uploads.FindPendingByUser(ctx, userID)
	if err != nil {
		return err
	}

	now := p.clock.Now()
	dispatched := 0
	for i, rec := range pending {
		if rec.StorageProvider != provider {
			continue
		}
		if !rec.IsRecoverable(p.config.Recovery.MaxRecoveryAttempts) {
			continue
		}

		// Stagger dispatches so a large backlog does not thundering-herd
		// the provider right after recovery.
		delay := time.Duration(i) * 2 * time.Second
		err := p.queue.Enqueue(ctx, TaskUploadRetry,
			&UploadTaskPayload{UploadID: rec.ID},
			queue.WithDelay(delay),
			queue.WithRetryUntil(now.Add(p.config.Recovery.UploadRetryUntil)),
		)
		if err != nil {
			p.logger.Error("Failed to dispatch upload retry",
				zap.Int64("upload_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		p.logger.Info("Dispatched pending upload retries",
			zap.Int64("user_id", userID),
			zap.Int("count", dispatched),
		)
	}

	return nil
}

// handleUploadFailure classifies the failure, records it, feeds health
// tracking and schedules recovery when the error type permits it.
func (p *UploadPipeline) handleUploadFailure(ctx context.Context, rec *entity.FileUploadRecord, target *entity.User, cause error, countAgainstHealth bool) error {
	errType := classify.Classify(cause)
	recoverable := errType.IsRecoverable()
	now := p.clock.Now()

	var retryAt *time.Time
	if recoverable {
		at := now.Add(errType.RetryDelay(rec.RecoveryAttempts + 1))
		retryAt = &at
	}

	if err := p.uploads.RecordCloudError(ctx, rec.ID, errType, cause.Error(), recoverable, retryAt); err != nil {
		p.logger.Error("Failed to record cloud error",
			zap.Int64("upload_id", rec.ID),
			zap.Error(err),
		)
	}

	if countAgainstHealth {
		p.health.RecordOperationResult(ctx, target.ID, rec.StorageProvider, cause)
	}

	p.logger.Warn("Upload failed",
		zap.Int64("upload_id", rec.ID),
		zap.String("error_type", string(errType)),
		zap.String("severity", string(errType.Severity())),
		zap.Bool("recoverable", recoverable),
		zap.Error(cause),
	)

	if !recoverable {
		return p.failTerminally(ctx, rec, target, fmt.Sprintf("unrecoverable error: %s", errType))
	}

	if p.config.Recovery.AutomaticEnabled && rec.RecoveryAttempts < p.config.Recovery.MaxRecoveryAttempts {
		err := p.queue.Enqueue(ctx, TaskUploadRetry,
			&UploadTaskPayload{UploadID: rec.ID},
			queue.WithDelay(errType.RetryDelay(rec.RecoveryAttempts+1)),
			queue.WithRetryUntil(now.Add(p.config.Recovery.UploadRetryUntil)),
		)
		if err != nil {
			p.logger.Error("Failed to schedule upload recovery", zap.Error(err))
		}
	}

	return cause
}

// failTerminally marks the upload as beyond automatic recovery and notifies.
func (p *UploadPipeline) failTerminally(ctx context.Context, rec *entity.FileUploadRecord, target *entity.User, reason string) error {
	if err := p.uploads.MarkRecoveryFailed(ctx, rec.ID, reason); err != nil {
		p.logger.Error("Failed to mark upload terminally failed",
			zap.Int64("upload_id", rec.ID),
			zap.Error(err),
		)
	}

	event := &notification.UploadFailedEvent{
		UserID:    target.ID,
		Email:     target.Email,
		Provider:  rec.StorageProvider,
		UploadID:  rec.ID,
		Filename:  rec.Filename,
		ErrorType: string(rec.CloudErrorType),
		Attempts:  rec.RecoveryAttempts,
		Message:   reason,
	}
	if err := p.notifier.UploadFailed(ctx, event); err != nil {
		p.logger.Error("Failed to deliver upload failure notification", zap.Error(err))
	}

	return nil
}

// resolveTargetUser finds whose cloud storage receives the file: the company
// account when set, otherwise the uploader, otherwise the fallback admin.
func (p *UploadPipeline) resolveTargetUser(ctx context.Context, rec *entity.FileUploadRecord) (*entity.User, error) {
	candidates := []*int64{rec.CompanyUserID, rec.UploaderUserID}
	for _, id := range candidates {
		if id == nil {
			continue
		}
		user, err := p.users.FindByID(ctx, *id)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	admin, err := p.users.FindAdminFallback(ctx)
	if err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, fmt.Errorf("no target user for upload %d and no fallback admin", rec.ID)
	}
	return admin, nil
}
