package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyByMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"revoked grant", errors.New(`oauth2: "invalid_grant" token has been revoked`), InvalidRefreshToken},
		{"expired refresh", errors.New("refresh token expired"), ExpiredRefreshToken},
		{"rate limit", errors.New("userRateLimitExceeded: quota exceeded"), APIQuotaExceeded},
		{"storage full", errors.New("storageQuotaExceeded"), StorageQuotaExceeded},
		{"connection reset", errors.New("read tcp: connection reset by peer"), NetworkTimeout},
		{"bad gateway", errors.New("502 bad gateway"), ServiceUnavailable},
		{"forbidden", errors.New("permission denied for folder"), InsufficientPermissions},
		{"missing folder", errors.New("folder not found"), FileNotFound},
		{"bad mime", errors.New("unsupported mime type"), InvalidFileType},
		{"gibberish", errors.New("something odd happened"), UnknownError},
		{"nil", nil, UnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("vendor call: %w", context.DeadlineExceeded)
	assert.Equal(t, NetworkTimeout, Classify(err))
}

func TestClassifyStatusError(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{401, InvalidRefreshToken},
		{403, InsufficientPermissions},
		{404, FileNotFound},
		{429, APIQuotaExceeded},
		{503, ServiceUnavailable},
		{507, StorageQuotaExceeded},
		{418, UnknownError},
	}

	for _, tt := range tests {
		err := fmt.Errorf("request failed: %w", &StatusError{StatusCode: tt.code})
		assert.Equal(t, tt.want, Classify(err), "status %d", tt.code)
	}
}

func TestStatusCodeWinsOverKeywords(t *testing.T) {
	// The body mentions a timeout but the 401 status is authoritative.
	err := &StatusError{StatusCode: 401, Body: "timeout while checking token"}
	assert.Equal(t, InvalidRefreshToken, Classify(err))
}

func TestPolicyTable(t *testing.T) {
	assert.True(t, NetworkTimeout.IsRecoverable())
	assert.False(t, NetworkTimeout.RequiresUserIntervention())

	assert.False(t, InvalidRefreshToken.IsRecoverable())
	assert.True(t, InvalidRefreshToken.RequiresUserIntervention())
	assert.Equal(t, 0, InvalidRefreshToken.MaxRetryAttempts())
	assert.Equal(t, SeverityCritical, InvalidRefreshToken.Severity())

	assert.True(t, StorageQuotaExceeded.IsRecoverable())
	assert.False(t, StorageQuotaExceeded.RequiresUserIntervention())
}

func TestRetryDelayBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, NetworkTimeout.RetryDelay(1))
	assert.Equal(t, time.Minute, NetworkTimeout.RetryDelay(2))
	assert.Equal(t, 2*time.Minute, NetworkTimeout.RetryDelay(3))

	// Capped at the per-type ceiling.
	assert.Equal(t, 10*time.Minute, NetworkTimeout.RetryDelay(12))

	// Intervention types have no delay schedule.
	assert.Equal(t, time.Duration(0), InvalidRefreshToken.RetryDelay(1))

	// Attempt below 1 is clamped.
	assert.Equal(t, 30*time.Second, NetworkTimeout.RetryDelay(0))
}

func TestUnknownTypeFallsBackToUnknownPolicy(t *testing.T) {
	var bogus ErrorType = "no_such_type"
	assert.Equal(t, UnknownError.IsRecoverable(), bogus.IsRecoverable())
	assert.Equal(t, UnknownError.MaxRetryAttempts(), bogus.MaxRetryAttempts())
}
