// Package storage defines the cloud storage provider capability consumed by
// the renewal service and the upload pipeline. Vendor internals stay behind
// this interface.
package storage

import (
	"context"
	"errors"

	"dropgate/internal/domain/entity"
)

// ErrNotSupported is returned by providers for operations outside their
// auth model, e.g. code exchange on a key-based provider.
var ErrNotSupported = errors.New("operation not supported by this provider")

// CloudStorageProvider is the per-vendor adapter.
type CloudStorageProvider interface {
	// Name returns the provider identifier, e.g. "google_drive".
	Name() string

	// UploadFile sends a spooled file and returns the provider file id.
	UploadFile(ctx context.Context, userID int64, localPath, folderID, filename, mimeType, description string) (string, error)

	// DeleteFile removes a previously uploaded file.
	DeleteFile(ctx context.Context, userID int64, fileID string) (bool, error)

	// GetOrCreateUserFolderID resolves the destination folder for an
	// employee, creating it when missing.
	GetOrCreateUserFolderID(ctx context.Context, userID int64, email string) (string, error)

	// Probe performs a cheap live connectivity check.
	Probe(ctx context.Context, userID int64) error

	// RefreshToken performs the vendor refresh call for the given record.
	// It does not persist anything; the renewal service owns the store.
	RefreshToken(ctx context.Context, rec *entity.TokenRecord) (*entity.Credentials, error)

	// ExchangeCode completes the OAuth handshake.
	ExchangeCode(ctx context.Context, code string) (*entity.Credentials, error)
}
