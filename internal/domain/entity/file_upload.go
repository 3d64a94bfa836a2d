package entity

import (
	"time"

	"dropgate/internal/domain/classify"
)

// UploadStatus tracks a spooled file through the forwarding pipeline.
type UploadStatus string

const (
	UploadStatusPending        UploadStatus = "pending"
	UploadStatusUploading      UploadStatus = "uploading"
	UploadStatusUploaded       UploadStatus = "uploaded"
	UploadStatusFailed         UploadStatus = "failed"
	UploadStatusRecoveryFailed UploadStatus = "recovery_failed"
)

// FileUploadRecord is one received file awaiting or finished forwarding to
// the cloud storage provider.
type FileUploadRecord struct {
	ID                    int64              `json:"id" db:"id"`
	CompanyUserID         *int64             `json:"company_user_id,omitempty" db:"company_user_id"`
	UploaderUserID        *int64             `json:"uploader_user_id,omitempty" db:"uploader_user_id"`
	StorageProvider       string             `json:"storage_provider" db:"storage_provider"`
	LocalPath             string             `json:"local_path" db:"local_path"`
	Filename              string             `json:"filename" db:"filename"`
	MimeType              string             `json:"mime_type" db:"mime_type"`
	SizeBytes             int64              `json:"size_bytes" db:"size_bytes"`
	Description           string             `json:"description,omitempty" db:"description"`
	ProviderFileID        string             `json:"provider_file_id,omitempty" db:"provider_file_id"`
	Status                UploadStatus       `json:"status" db:"status"`
	RecoveryAttempts      int                `json:"recovery_attempts" db:"recovery_attempts"`
	RetryRecommendedAt    *time.Time         `json:"retry_recommended_at,omitempty" db:"retry_recommended_at"`
	CloudErrorType        classify.ErrorType `json:"cloud_error_type,omitempty" db:"cloud_error_type"`
	CloudErrorMessage     string             `json:"cloud_error_message,omitempty" db:"cloud_error_message"`
	CloudErrorRecoverable bool               `json:"cloud_error_recoverable" db:"cloud_error_recoverable"`
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at" db:"updated_at"`
}

// IsPending reports whether the file has not reached the provider yet.
func (f *FileUploadRecord) IsPending() bool {
	return f.ProviderFileID == ""
}

// IsRecoverable reports whether automatic recovery may retry this upload.
func (f *FileUploadRecord) IsRecoverable(maxAttempts int) bool {
	if !f.IsPending() {
		return false
	}
	if f.CloudErrorType != "" && !f.CloudErrorRecoverable {
		return false
	}
	return f.RecoveryAttempts < maxAttempts
}
