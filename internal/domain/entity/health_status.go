package entity

import (
	"time"

	"dropgate/internal/domain/classify"
)

// ConnectionStatus is the consolidated health state of a cloud storage
// connection.
type ConnectionStatus string

const (
	StatusHealthy      ConnectionStatus = "healthy"
	StatusDegraded     ConnectionStatus = "degraded"
	StatusUnhealthy    ConnectionStatus = "unhealthy"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Usable reports whether uploads may be attempted against this connection.
func (s ConnectionStatus) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// HealthStatusRecord is the persisted consolidated health state for one user
// and provider. The table is authoritative; the redis cache is a disposable
// memoization of the same value.
type HealthStatusRecord struct {
	ID                        int64              `json:"id" db:"id"`
	UserID                    int64              `json:"user_id" db:"user_id"`
	Provider                  string             `json:"provider" db:"provider"`
	Status                    ConnectionStatus   `json:"status" db:"status"`
	ConsecutiveFailures       int                `json:"consecutive_failures" db:"consecutive_failures"`
	LastSuccessfulOperationAt *time.Time         `json:"last_successful_operation_at,omitempty" db:"last_successful_operation_at"`
	LastErrorType             classify.ErrorType `json:"last_error_type,omitempty" db:"last_error_type"`
	LastErrorMessage          string             `json:"last_error_message,omitempty" db:"last_error_message"`
	TokenExpiresAt            *time.Time         `json:"token_expires_at,omitempty" db:"token_expires_at"`
	RequiresReconnection      bool               `json:"requires_reconnection" db:"requires_reconnection"`
	LastLiveValidationAt      *time.Time         `json:"last_live_validation_at,omitempty" db:"last_live_validation_at"`
	ProviderData              map[string]string  `json:"provider_data,omitempty" db:"provider_data"`
	CreatedAt                 time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at" db:"updated_at"`
}

// HealthStatus is the value returned by the health validator. It is what
// gets cached and what the UI and the upload pipeline consume.
type HealthStatus struct {
	UserID               int64              `json:"user_id"`
	Provider             string             `json:"provider"`
	Status               ConnectionStatus   `json:"status"`
	ConsecutiveFailures  int                `json:"consecutive_failures"`
	RequiresReconnection bool               `json:"requires_reconnection"`
	TokenExpiresAt       *time.Time         `json:"token_expires_at,omitempty"`
	LastErrorType        classify.ErrorType `json:"last_error_type,omitempty"`
	LastErrorMessage     string             `json:"last_error_message,omitempty"`
	CheckedAt            time.Time          `json:"checked_at"`
}
