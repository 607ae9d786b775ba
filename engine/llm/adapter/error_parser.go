package llmadapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// ErrorParser classifies raw provider errors by matching their text.
type ErrorParser struct {
	provider string
}

// NewErrorParser creates a new error parser for the given provider
func NewErrorParser(provider string) *ErrorParser {
	return &ErrorParser{provider: provider}
}

var statusCodePattern = regexp.MustCompile(`(?:status code:?|http|error|code)\s*([1-5]\d\d)\b`)

// ParseError returns a classified error, or nil when nothing matches.
func (p *ErrorParser) ParseError(err error) *Error {
	if err == nil {
		return nil
	}
	if existing, ok := IsLLMError(err); ok {
		return existing
	}
	errMsg := err.Error()
	lower := strings.ToLower(errMsg)
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCode(ErrCodeTimeout, errMsg, p.provider, err)
	}
	if status := p.extractHTTPStatusCode(lower); status > 0 {
		return NewError(status, errMsg, p.provider, err)
	}
	if llmErr := p.matchProviderPatterns(lower, errMsg, err); llmErr != nil {
		return llmErr
	}
	return p.matchNetworkPatterns(lower, errMsg, err)
}

// extractHTTPStatusCode finds an HTTP status in messages like "status code: 429".
func (p *ErrorParser) extractHTTPStatusCode(errMsg string) int {
	match := statusCodePattern.FindStringSubmatch(errMsg)
	if len(match) < 2 {
		return 0
	}
	code, err := strconv.Atoi(match[1])
	if err != nil || code < 400 {
		return 0
	}
	return code
}

func (p *ErrorParser) matchProviderPatterns(errMsgLower, errMsg string, originalErr error) *Error {
	if strings.Contains(errMsgLower, "insufficient_quota") || strings.Contains(errMsgLower, "quota exceeded") {
		return NewErrorWithCode(ErrCodeQuotaExceeded, errMsg, p.provider, originalErr)
	}
	rateLimitPatterns := []string{
		"rate limit", "rate-limit", "ratelimit", "too many requests",
		"throttled", "throttling", "requests per minute",
	}
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(errMsgLower, pattern) {
			return NewError(http.StatusTooManyRequests, errMsg, p.provider, originalErr)
		}
	}
	unavailablePatterns := []string{
		"service unavailable", "temporarily unavailable", "overloaded", "try again later",
	}
	for _, pattern := range unavailablePatterns {
		if strings.Contains(errMsgLower, pattern) {
			return NewError(http.StatusServiceUnavailable, errMsg, p.provider, originalErr)
		}
	}
	authPatterns := []string{"unauthorized", "invalid api key", "invalid_api_key", "incorrect api key"}
	for _, pattern := range authPatterns {
		if strings.Contains(errMsgLower, pattern) {
			return NewError(http.StatusUnauthorized, errMsg, p.provider, originalErr)
		}
	}
	if strings.Contains(errMsgLower, "invalid model") || strings.Contains(errMsgLower, "model not found") ||
		strings.Contains(errMsgLower, "model_not_found") {
		return NewErrorWithCode(ErrCodeInvalidModel, errMsg, p.provider, originalErr)
	}
	if strings.Contains(errMsgLower, "content policy") || strings.Contains(errMsgLower, "content_filter") {
		return NewErrorWithCode(ErrCodeContentPolicy, errMsg, p.provider, originalErr)
	}
	return nil
}

func (p *ErrorParser) matchNetworkPatterns(errMsgLower, errMsg string, originalErr error) *Error {
	for _, pattern := range []string{"timeout", "timed out", "deadline exceeded"} {
		if strings.Contains(errMsgLower, pattern) {
			return NewErrorWithCode(ErrCodeTimeout, errMsg, p.provider, originalErr)
		}
	}
	if strings.Contains(errMsgLower, "connection reset") || strings.Contains(errMsgLower, "eof") {
		return NewErrorWithCode(ErrCodeConnectionReset, errMsg, p.provider, originalErr)
	}
	for _, pattern := range []string{"connection refused", "no such host", "network is unreachable"} {
		if strings.Contains(errMsgLower, pattern) {
			return NewErrorWithCode(ErrCodeConnectionRefused, errMsg, p.provider, originalErr)
		}
	}
	return nil
}
