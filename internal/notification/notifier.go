// Package notification delivers operational alerts about broken cloud
// connections and failed uploads to an external webhook.
package notification

import "context"

// RefreshFailedEvent reports a token refresh that needs user action.
type RefreshFailedEvent struct {
	UserID       int64  `json:"user_id"`
	Email        string `json:"email"`
	Provider     string `json:"provider"`
	ErrorType    string `json:"error_type"`
	FailureCount int    `json:"failure_count"`
	Message      string `json:"message"`
	ReconnectURL string `json:"reconnect_url,omitempty"`
}

// ConnectionRestoredEvent reports a connection that recovered after failures.
type ConnectionRestoredEvent struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

// UploadFailedEvent reports an upload that exhausted automatic recovery.
type UploadFailedEvent struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	Provider  string `json:"provider"`
	UploadID  int64  `json:"upload_id"`
	Filename  string `json:"filename"`
	ErrorType string `json:"error_type"`
	Attempts  int    `json:"attempts"`
	Message   string `json:"message"`
}

// AdminEscalationEvent reports repeated notification delivery failures so an
// operator can reach the user another way.
type AdminEscalationEvent struct {
	AdminEmail string `json:"admin_email"`
	UserID     int64  `json:"user_id"`
	Email      string `json:"email"`
	Provider   string `json:"provider"`
	Reason     string `json:"reason"`
}

// Notifier is the outbound alert channel.
type Notifier interface {
	RefreshFailed(ctx context.Context, event *RefreshFailedEvent) error
	ConnectionRestored(ctx context.Context, event *ConnectionRestoredEvent) error
	UploadFailed(ctx context.Context, event *UploadFailedEvent) error
	EscalateToAdmin(ctx context.Context, event *AdminEscalationEvent) error
}
