package credentials

import (
	"strings"

	"credential-broker/internal/common/errors"
	"credential-broker/internal/common/logging"
)

// FailureKind is the fixed taxonomy of refresh failures. It is the single
// source of truth for retry and re-authentication behavior.
type FailureKind string

const (
	KindInvalidRefreshToken FailureKind = "INVALID_REFRESH_TOKEN"
	KindInvalidClient       FailureKind = "INVALID_CLIENT"
	KindInvalidRequest      FailureKind = "INVALID_REQUEST"
	KindNetworkError        FailureKind = "NETWORK_ERROR"
	KindServiceUnavailable  FailureKind = "SERVICE_UNAVAILABLE"
	KindUnknown             FailureKind = "UNKNOWN"
)

// Classification is one taxonomy entry. RequiresReauth failures invalidate
// the stored credential; ShouldRetry failures may be retried (including via
// the fallback refresh path) without user involvement.
type Classification struct {
	Kind           FailureKind
	RequiresReauth bool
	ShouldRetry    bool
	UserMessage    string
	Severity       logging.LogLevel
}

var taxonomy = map[FailureKind]Classification{
	KindInvalidRefreshToken: {
		Kind:           KindInvalidRefreshToken,
		RequiresReauth: true,
		UserMessage:    "The connection has been revoked. Please reconnect your account.",
		Severity:       logging.WarnLevel,
	},
	KindInvalidClient: {
		Kind:           KindInvalidClient,
		RequiresReauth: true,
		UserMessage:    "The application credentials were rejected. Please reconnect your account.",
		Severity:       logging.WarnLevel,
	},
	KindInvalidRequest: {
		Kind:        KindInvalidRequest,
		UserMessage: "The token request was malformed. Please contact support.",
		Severity:    logging.ErrorLevel,
	},
	KindNetworkError: {
		Kind:        KindNetworkError,
		ShouldRetry: true,
		UserMessage: "Could not reach the provider. Please try again shortly.",
		Severity:    logging.WarnLevel,
	},
	KindServiceUnavailable: {
		Kind:        KindServiceUnavailable,
		ShouldRetry: true,
		UserMessage: "The provider is temporarily unavailable. Please try again shortly.",
		Severity:    logging.WarnLevel,
	},
	KindUnknown: {
		Kind:        KindUnknown,
		UserMessage: "Token refresh failed for an unknown reason. Please try again or reconnect.",
		Severity:    logging.ErrorLevel,
	},
}

// Lookup returns the taxonomy entry for a kind, defaulting to UNKNOWN.
func Lookup(kind FailureKind) Classification {
	if c, ok := taxonomy[kind]; ok {
		return c
	}
	return taxonomy[KindUnknown]
}

// Classify maps a raw refresh error to its taxonomy entry. It is total
// (every input maps to exactly one entry), deterministic, and performs no
// I/O. Structured signals (OAuth error codes, HTTP status, typed errors) are
// consulted before falling back to message-text matching.
func Classify(err error) Classification {
	if err == nil {
		return taxonomy[KindUnknown]
	}

	if appErr, ok := err.(*errors.AppError); ok {
		if kind, ok := classifyStructured(appErr); ok {
			return taxonomy[kind]
		}
	}

	return taxonomy[classifyMessage(err.Error())]
}

func classifyStructured(appErr *errors.AppError) (FailureKind, bool) {
	if code, ok := appErr.Context["oauth_error"].(string); ok {
		switch code {
		case "invalid_grant":
			return KindInvalidRefreshToken, true
		case "invalid_client", "unauthorized_client":
			return KindInvalidClient, true
		case "invalid_request", "invalid_scope", "unsupported_grant_type":
			return KindInvalidRequest, true
		}
	}

	if status, ok := appErr.Context["status_code"].(int); ok {
		switch {
		case status == 401 || status == 403:
			return KindInvalidClient, true
		case status == 429 || status >= 500:
			return KindServiceUnavailable, true
		}
	}

	switch appErr.Type {
	case errors.ErrTypeTimeout, errors.ErrTypeConnection:
		return KindNetworkError, true
	case errors.ErrTypeUpstream:
		return KindServiceUnavailable, true
	case errors.ErrTypeValidation:
		return KindInvalidRequest, true
	}

	return KindUnknown, false
}

// classifyMessage preserves the substring rules historically used against
// providers that report failures only as message text.
func classifyMessage(msg string) FailureKind {
	m := strings.ToLower(msg)

	switch {
	case strings.Contains(m, "invalid_grant"),
		strings.Contains(m, "token has been expired or revoked"),
		strings.Contains(m, "refresh token is invalid"),
		strings.Contains(m, "invalid refresh token"):
		return KindInvalidRefreshToken

	case strings.Contains(m, "invalid_client"),
		strings.Contains(m, "unauthorized_client"),
		strings.Contains(m, "client authentication failed"):
		return KindInvalidClient

	case strings.Contains(m, "invalid_request"),
		strings.Contains(m, "unsupported_grant_type"),
		strings.Contains(m, "invalid_scope"):
		return KindInvalidRequest

	case strings.Contains(m, "service unavailable"),
		strings.Contains(m, "bad gateway"),
		strings.Contains(m, "too many requests"),
		strings.Contains(m, "rate limit"),
		strings.Contains(m, "circuit breaker"),
		strings.Contains(m, "status 502"),
		strings.Contains(m, "status 503"),
		strings.Contains(m, "status 504"):
		return KindServiceUnavailable

	case strings.Contains(m, "timeout"),
		strings.Contains(m, "timed out"),
		strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"),
		strings.Contains(m, "no such host"),
		strings.Contains(m, "network is unreachable"),
		strings.Contains(m, "eof"):
		return KindNetworkError

	default:
		return KindUnknown
	}
}
