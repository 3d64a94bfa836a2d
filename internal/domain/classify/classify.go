// Package classify maps vendor and network failures to typed errors with
// attached retry policy. Classification is keyword and status-code based,
// pure and deterministic.
package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// StatusError carries an HTTP status code from a vendor API response.
// Providers wrap non-2xx responses in this type so classification can use
// the code in addition to message keywords.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "vendor request failed: status=" + http.StatusText(e.StatusCode) + ": " + e.Body
}

// Classify maps an error to its ErrorType. Unmatched errors classify as
// UnknownError.
func Classify(err error) ErrorType {
	if err == nil {
		return UnknownError
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if t := ClassifyStatus(statusErr.StatusCode); t != UnknownError {
			return t
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "invalid_grant", "invalid_client", "unauthorized_client", "token has been revoked", "revoked"):
		return InvalidRefreshToken
	case containsAny(msg, "token expired", "refresh token expired", "expired or revoked"):
		return ExpiredRefreshToken
	case containsAny(msg, "quota exceeded", "rate limit", "rate_limit", "too many requests", "userratelimitexceeded"):
		return APIQuotaExceeded
	case containsAny(msg, "storage quota", "insufficient storage", "storagequotaexceeded"):
		return StorageQuotaExceeded
	case containsAny(msg, "timeout", "timed out", "network", "connection refused", "connection reset", "no such host", "eof"):
		return NetworkTimeout
	case containsAny(msg, "service unavailable", "bad gateway", "backend error", "internal server error", "temporarily unavailable"):
		return ServiceUnavailable
	case containsAny(msg, "insufficient permission", "permission denied", "forbidden", "access denied"):
		return InsufficientPermissions
	case containsAny(msg, "file not found", "folder not found", "notfound", "does not exist"):
		return FileNotFound
	case containsAny(msg, "invalid file type", "unsupported file", "unsupported mime"):
		return InvalidFileType
	default:
		return UnknownError
	}
}

// ClassifyStatus maps an HTTP status code to its ErrorType.
func ClassifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized:
		return InvalidRefreshToken
	case code == http.StatusForbidden:
		return InsufficientPermissions
	case code == http.StatusNotFound:
		return FileNotFound
	case code == http.StatusTooManyRequests:
		return APIQuotaExceeded
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return NetworkTimeout
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway || code == http.StatusInternalServerError:
		return ServiceUnavailable
	case code == http.StatusInsufficientStorage:
		return StorageQuotaExceeded
	case code == http.StatusUnsupportedMediaType:
		return InvalidFileType
	default:
		return UnknownError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
