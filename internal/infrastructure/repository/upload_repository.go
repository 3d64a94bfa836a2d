package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dropgate/internal/domain/classify"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/repository"
	"dropgate/internal/infrastructure/database"
)

const uploadColumns = `id, company_user_id, uploader_user_id, storage_provider, local_path, filename,
		mime_type, size_bytes, description, provider_file_id, status, recovery_attempts,
		retry_recommended_at, cloud_error_type, cloud_error_message, cloud_error_recoverable,
		created_at, updated_at`

type uploadRepository struct {
	db *database.Database
}

func NewUploadRepository(db *database.Database) repository.UploadRepository {
	return &uploadRepository{
		db: db,
	}
}

func (r *uploadRepository) Create(ctx context.Context, rec *entity.FileUploadRecord) (int64, error) {
	query := `
		INSERT INTO file_uploads (company_user_id, uploader_user_id, storage_provider, local_path,
			filename, mime_type, size_bytes, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var id int64
	err := r.db.DB.QueryRowContext(ctx, query,
		nullInt(rec.CompanyUserID), nullInt(rec.UploaderUserID), rec.StorageProvider, rec.LocalPath,
		rec.Filename, rec.MimeType, rec.SizeBytes, rec.Description, entity.UploadStatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload record: %w", err)
	}

	return id, nil
}

func (r *uploadRepository) FindByID(ctx context.Context, id int64) (*entity.FileUploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM file_uploads WHERE id = $1`

	rec, err := scanUpload(r.db.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload record: %w", err)
	}

	return rec, nil
}

func (r *uploadRepository) FindPendingByUser(ctx context.Context, userID int64) ([]*entity.FileUploadRecord, error) {
	query := `SELECT ` + uploadColumns + ` FROM file_uploads
		WHERE provider_file_id = ''
		  AND status NOT IN ($1, $2)
		  AND (company_user_id = $3 OR uploader_user_id = $3)
		ORDER BY created_at`

	rows, err := r.db.DB.QueryContext(ctx, query, entity.UploadStatusUploaded, entity.UploadStatusRecoveryFailed, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending uploads: %w", err)
	}
	defer rows.Close()

	var records []*entity.FileUploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *uploadRepository) MarkUploading(ctx context.Context, id int64) (bool, error) {
	// Conditional claim: only one worker moves a pending record forward.
	query := `
		UPDATE file_uploads
		SET status = $1, updated_at = $2
		WHERE id = $3 AND provider_file_id = '' AND status IN ($4, $5)
	`

	result, err := r.db.DB.ExecContext(ctx, query,
		entity.UploadStatusUploading, time.Now(), id,
		entity.UploadStatusPending, entity.UploadStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim upload: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *uploadRepository) MarkUploaded(ctx context.Context, id int64, providerFileID string) error {
	query := `
		UPDATE file_uploads
		SET provider_file_id = $1, status = $2, cloud_error_type = '', cloud_error_message = '',
			cloud_error_recoverable = FALSE, retry_recommended_at = NULL, updated_at = $3
		WHERE id = $4
	`

	if _, err := r.db.DB.ExecContext(ctx, query, providerFileID, entity.UploadStatusUploaded, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark upload complete: %w", err)
	}

	return nil
}

func (r *uploadRepository) RecordCloudError(ctx context.Context, id int64, errType classify.ErrorType, msg string, recoverable bool, retryAt *time.Time) error {
	query := `
		UPDATE file_uploads
		SET status = $1, cloud_error_type = $2, cloud_error_message = $3,
			cloud_error_recoverable = $4, retry_recommended_at = $5, updated_at = $6
		WHERE id = $7
	`

	if _, err := r.db.DB.ExecContext(ctx, query,
		entity.UploadStatusFailed, string(errType), msg, recoverable, nullTime(retryAt), time.Now(), id,
	); err != nil {
		return fmt.Errorf("failed to record cloud error: %w", err)
	}

	return nil
}

func (r *uploadRepository) ClearCloudError(ctx context.Context, id int64) error {
	query := `
		UPDATE file_uploads
		SET status = $1, cloud_error_type = '', cloud_error_message = '',
			cloud_error_recoverable = FALSE, retry_recommended_at = NULL, updated_at = $2
		WHERE id = $3 AND provider_file_id = ''
	`

	if _, err := r.db.DB.ExecContext(ctx, query, entity.UploadStatusPending, time.Now(), id); err != nil {
		return fmt.Errorf("failed to clear cloud error: %w", err)
	}

	return nil
}

func (r *uploadRepository) IncrementRecoveryAttempts(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE file_uploads
		SET recovery_attempts = recovery_attempts + 1, updated_at = $1
		WHERE id = $2
		RETURNING recovery_attempts
	`

	var count int
	if err := r.db.DB.QueryRowContext(ctx, query, time.Now(), id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment recovery attempts: %w", err)
	}

	return count, nil
}

func (r *uploadRepository) MarkRecoveryFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE file_uploads
		SET status = $1, cloud_error_message = $2, cloud_error_recoverable = FALSE, updated_at = $3
		WHERE id = $4
	`

	if _, err := r.db.DB.ExecContext(ctx, query, entity.UploadStatusRecoveryFailed, reason, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark recovery failure: %w", err)
	}

	return nil
}

func (r *uploadRepository) UserIDsWithRecentUploads(ctx context.Context, since time.Time) ([]int64, error) {
	// Activity counts through either attribution column, matching the
	// stale-health prune.
	query := `
		SELECT company_user_id FROM file_uploads
		WHERE company_user_id IS NOT NULL AND created_at >= $1
		UNION
		SELECT uploader_user_id FROM file_uploads
		WHERE uploader_user_id IS NOT NULL AND created_at >= $1
	`

	rows, err := r.db.DB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recently active users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanUpload(row rowScanner) (*entity.FileUploadRecord, error) {
	var rec entity.FileUploadRecord
	var companyUser, uploaderUser sql.NullInt64
	var retryAt sql.NullTime
	var errType sql.NullString

	err := row.Scan(
		&rec.ID,
		&companyUser,
		&uploaderUser,
		&rec.StorageProvider,
		&rec.LocalPath,
		&rec.Filename,
		&rec.MimeType,
		&rec.SizeBytes,
		&rec.Description,
		&rec.ProviderFileID,
		&rec.Status,
		&rec.RecoveryAttempts,
		&retryAt,
		&errType,
		&rec.CloudErrorMessage,
		&rec.CloudErrorRecoverable,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CloudErrorType = classify.ErrorType(errType.String)
	if companyUser.Valid {
		rec.CompanyUserID = &companyUser.Int64
	}
	if uploaderUser.Valid {
		rec.UploaderUserID = &uploaderUser.Int64
	}
	if retryAt.Valid {
		rec.RetryRecommendedAt = &retryAt.Time
	}

	return &rec, nil
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
