package entity

import (
	"time"

	"dropgate/internal/domain/classify"
)

// TokenRecord is the persisted OAuth credential for one user and provider.
type TokenRecord struct {
	ID                          int64      `json:"id" db:"id"`
	UserID                      int64      `json:"user_id" db:"user_id"`
	Provider                    string     `json:"provider" db:"provider"`
	AccessToken                 string     `json:"-" db:"access_token"`
	RefreshToken                string     `json:"-" db:"refresh_token"`
	TokenType                   string     `json:"token_type" db:"token_type"`
	ExpiresAt                   time.Time  `json:"expires_at" db:"expires_at"`
	Scopes                      []string   `json:"scopes" db:"scopes"`
	RefreshFailureCount         int        `json:"refresh_failure_count" db:"refresh_failure_count"`
	LastRefreshAttemptAt        *time.Time `json:"last_refresh_attempt_at,omitempty" db:"last_refresh_attempt_at"`
	RequiresUserIntervention    bool       `json:"requires_user_intervention" db:"requires_user_intervention"`
	ProactiveRefreshScheduledAt *time.Time `json:"proactive_refresh_scheduled_at,omitempty" db:"proactive_refresh_scheduled_at"`
	LastNotificationSentAt      *time.Time `json:"last_notification_sent_at,omitempty" db:"last_notification_sent_at"`
	NotificationFailureCount    int        `json:"notification_failure_count" db:"notification_failure_count"`
	CreatedAt                   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the access token has expired.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the access token expires within the window.
func (t *TokenRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	return t.ExpiresAt.Before(now.Add(window))
}

// Credentials is the result of a vendor token refresh or code exchange.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
}

// RefreshResult is the outcome of RefreshTokenIfNeeded. Callers must branch
// on the full shape: WasRefreshedByAnotherProcess and WasAlreadyValid are
// successes that performed no vendor call from this process.
type RefreshResult struct {
	Success                      bool               `json:"success"`
	WasAlreadyValid              bool               `json:"was_already_valid"`
	WasRefreshedByAnotherProcess bool               `json:"was_refreshed_by_another_process"`
	RequiresUserIntervention     bool               `json:"requires_user_intervention"`
	NoToken                      bool               `json:"no_token"`
	Message                      string             `json:"message,omitempty"`
	ErrorType                    classify.ErrorType `json:"error_type,omitempty"`
	Err                          error              `json:"-"`
}

// UserProvider identifies one connection for batch operations.
type UserProvider struct {
	UserID   int64  `json:"user_id"`
	Provider string `json:"provider"`
}
