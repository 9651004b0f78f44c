// internal/agent/errors.go
package agent

import "errors"

// ErrorCode is a string type used for structured error reporting from the
// action executor. It ends up in logs and in persisted step records.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION_TYPE"

	// -- Browser/DOM Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"
)

var (
	// ErrMalformedDecision is returned when the model's answer is not a valid
	// click/type/done decision.
	ErrMalformedDecision = errors.New("malformed decision")
	// ErrEmptyResponse is returned when the model answered with nothing.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrElementNotFound is returned when no matcher resolved the target.
	ErrElementNotFound = errors.New("element not found")
	// ErrBrowserUnavailable is returned when no browser session could be started.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)
