package classify

import "time"

// ErrorType is the classified category of a token refresh or cloud storage
// failure. Retry policy, severity and intervention rules are looked up from
// the policy table; no other component derives its own retry rules.
type ErrorType string

const (
	NetworkTimeout          ErrorType = "network_timeout"
	InvalidRefreshToken     ErrorType = "invalid_refresh_token"
	ExpiredRefreshToken     ErrorType = "expired_refresh_token"
	APIQuotaExceeded        ErrorType = "api_quota_exceeded"
	ServiceUnavailable      ErrorType = "service_unavailable"
	InsufficientPermissions ErrorType = "insufficient_permissions"
	FileNotFound            ErrorType = "file_not_found"
	StorageQuotaExceeded    ErrorType = "storage_quota_exceeded"
	InvalidFileType         ErrorType = "invalid_file_type"
	UnknownError            ErrorType = "unknown_error"
)

// Severity level of a classified error
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type policy struct {
	recoverable      bool
	maxRetryAttempts int
	baseDelay        time.Duration
	maxDelay         time.Duration
	intervention     bool
	severity         Severity
}

// policies is the single source of truth for error handling behavior.
var policies = map[ErrorType]policy{
	NetworkTimeout: {
		recoverable:      true,
		maxRetryAttempts: 5,
		baseDelay:        30 * time.Second,
		maxDelay:         10 * time.Minute,
		severity:         SeverityLow,
	},
	InvalidRefreshToken: {
		recoverable:      false,
		maxRetryAttempts: 0,
		intervention:     true,
		severity:         SeverityCritical,
	},
	ExpiredRefreshToken: {
		recoverable:      false,
		maxRetryAttempts: 0,
		intervention:     true,
		severity:         SeverityCritical,
	},
	APIQuotaExceeded: {
		recoverable:      true,
		maxRetryAttempts: 3,
		baseDelay:        5 * time.Minute,
		maxDelay:         time.Hour,
		severity:         SeverityMedium,
	},
	ServiceUnavailable: {
		recoverable:      true,
		maxRetryAttempts: 4,
		baseDelay:        time.Minute,
		maxDelay:         30 * time.Minute,
		severity:         SeverityMedium,
	},
	InsufficientPermissions: {
		recoverable:      false,
		maxRetryAttempts: 0,
		intervention:     true,
		severity:         SeverityHigh,
	},
	FileNotFound: {
		recoverable:      false,
		maxRetryAttempts: 0,
		severity:         SeverityHigh,
	},
	StorageQuotaExceeded: {
		recoverable:      true,
		maxRetryAttempts: 2,
		baseDelay:        time.Hour,
		maxDelay:         6 * time.Hour,
		severity:         SeverityHigh,
	},
	InvalidFileType: {
		recoverable:      false,
		maxRetryAttempts: 0,
		severity:         SeverityMedium,
	},
	UnknownError: {
		recoverable:      true,
		maxRetryAttempts: 3,
		baseDelay:        time.Minute,
		maxDelay:         15 * time.Minute,
		severity:         SeverityMedium,
	},
}

func (t ErrorType) lookup() policy {
	p, ok := policies[t]
	if !ok {
		return policies[UnknownError]
	}
	return p
}

// IsRecoverable reports whether automatic retry is permitted for this error.
func (t ErrorType) IsRecoverable() bool {
	return t.lookup().recoverable
}

// RequiresUserIntervention reports whether only a manual reconnect can
// resolve this error.
func (t ErrorType) RequiresUserIntervention() bool {
	return t.lookup().intervention
}

// MaxRetryAttempts returns the retry ceiling. Zero means no retry.
func (t ErrorType) MaxRetryAttempts() int {
	return t.lookup().maxRetryAttempts
}

// RetryDelay returns the backoff before the given attempt (1-based).
// Exponential with a type-specific base, capped at the type ceiling.
func (t ErrorType) RetryDelay(attempt int) time.Duration {
	p := t.lookup()
	if p.baseDelay == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	delay := p.baseDelay * time.Duration(1<<uint(shift))
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

// Severity returns the severity level for logging and notifications.
func (t ErrorType) Severity() Severity {
	return t.lookup().severity
}
