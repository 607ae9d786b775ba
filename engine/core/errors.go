package core

import (
	"errors"
	"fmt"
)

// Error codes shared across the compliance pipeline.
const (
	// ErrCodeConfiguration marks missing templates, prompts or requirements. Never retried.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	// ErrCodeRetrievalEmpty marks a query with no usable context.
	ErrCodeRetrievalEmpty = "RETRIEVAL_EMPTY"
	// ErrCodeProvider marks crawl, embedding or completion failures.
	ErrCodeProvider = "PROVIDER_ERROR"
	// ErrCodeParse marks model output that does not match the expected structure.
	ErrCodeParse = "PARSE_ERROR"
	// ErrCodeJob marks job level failures recorded in the job state.
	ErrCodeJob = "JOB_ERROR"
)

// Error is a coded error carrying optional structured details.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// NewError wraps err with a code. When err is nil the code becomes the message.
func NewError(err error, code string, details map[string]any) *Error {
	message := code
	if err != nil {
		message = err.Error()
	}
	return &Error{
		Message: message,
		Code:    code,
		Details: details,
		Err:     err,
	}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsMap returns a serializable view of the error.
func (e *Error) AsMap() map[string]any {
	if e == nil {
		return nil
	}
	m := map[string]any{
		"message": e.Message,
		"code":    e.Code,
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}

// ErrorCode returns the code of the first *Error in err's chain.
func ErrorCode(err error) string {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}

// IsCode reports whether any *Error in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var coreErr *Error
		if !errors.As(err, &coreErr) {
			return false
		}
		if coreErr.Code == code {
			return true
		}
		err = coreErr.Err
	}
	return false
}
