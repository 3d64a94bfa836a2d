package repository

import (
	"context"
	"time"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
)

// UploadRepository stores received files and their forwarding state.
type UploadRepository interface {
	Create(ctx context.Context, rec *entity.FileUploadRecord) (int64, error)

	// FindByID returns the record, or nil without error when absent.
	FindByID(ctx context.Context, id int64) (*entity.FileUploadRecord, error)

	// FindPendingByUser returns uploads for the user that have not reached
	// the provider yet and are not terminally failed.
	FindPendingByUser(ctx context.Context, userID int64) ([]*entity.FileUploadRecord, error)

	// MarkUploading flips a pending record to uploading. Returns false when
	// the record is no longer pending (already uploaded or claimed).
	MarkUploading(ctx context.Context, id int64) (bool, error)

	// MarkUploaded records the provider file id and clears error state.
	MarkUploaded(ctx context.Context, id int64, providerFileID string) error

	// RecordCloudError stores the classified failure and the recommended
	// retry time.
	RecordCloudError(ctx context.Context, id int64, errType classify.ErrorType, msg string, recoverable bool, retryAt *time.Time) error

	// ClearCloudError resets error fields before a recovery attempt.
	ClearCloudError(ctx context.Context, id int64) error

	// IncrementRecoveryAttempts bumps the recovery counter atomically and
	// returns the new value.
	IncrementRecoveryAttempts(ctx context.Context, id int64) (int, error)

	// MarkRecoveryFailed records a terminal recovery outcome.
	MarkRecoveryFailed(ctx context.Context, id int64, reason string) error

	// UserIDsWithRecentUploads returns users with upload activity since the
	// cutoff.
	UserIDsWithRecentUploads(ctx context.Context, since time.Time) ([]int64, error)
}
