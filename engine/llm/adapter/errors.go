package llmadapter

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	ErrCodeRateLimit         ErrorCode = "RATE_LIMIT"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeServerError       ErrorCode = "SERVER_ERROR"
	ErrCodeServiceUnavail    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeConnectionReset   ErrorCode = "CONNECTION_RESET"
	ErrCodeConnectionRefused ErrorCode = "CONNECTION_REFUSED"
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeInvalidModel      ErrorCode = "INVALID_MODEL"
	ErrCodeContentPolicy     ErrorCode = "CONTENT_POLICY"
	ErrCodeEmptyResponse     ErrorCode = "EMPTY_RESPONSE"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
)

// Error is a classified provider failure.
type Error struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	Provider   string
	Err        error
}

// NewError builds an error from an HTTP status.
func NewError(status int, message, provider string, err error) *Error {
	return &Error{
		Code:       codeFromStatus(status),
		HTTPStatus: status,
		Message:    message,
		Provider:   provider,
		Err:        err,
	}
}

// NewErrorWithCode builds an error with an explicit code.
func NewErrorWithCode(code ErrorCode, message, provider string, err error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Provider: provider,
		Err:      err,
	}
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimit,
		ErrCodeServerError,
		ErrCodeServiceUnavail,
		ErrCodeTimeout,
		ErrCodeConnectionReset,
		ErrCodeConnectionRefused,
		ErrCodeEmptyResponse:
		return true
	default:
		return false
	}
}

// IsLLMError extracts an *Error from err's chain.
func IsLLMError(err error) (*Error, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr, true
	}
	return nil, false
}

func codeFromStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case status == http.StatusForbidden:
		return ErrCodeForbidden
	case status == http.StatusNotFound:
		return ErrCodeNotFound
	case status == http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	case status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeBadRequest
	default:
		return ErrCodeUnknown
	}
}
