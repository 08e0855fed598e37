// Package errors provides the error taxonomy for the agentmesh runtime.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	// ErrCodeConfig marks configuration faults. These are fatal at startup:
	// an unknown executor name, a missing role config, a bad runtime option.
	ErrCodeConfig = "CONFIG_ERROR"
	// ErrCodeParse marks unusable model output: a required tagged block is
	// missing or the JSON inside it does not parse. Fails the step.
	ErrCodeParse = "PARSE_ERROR"
	// ErrCodePermission marks a planned step that targets an executor outside
	// the agent's whitelist. Fails the step after one retry.
	ErrCodePermission = "PERMISSION_ERROR"
	// ErrCodeTransport marks a failed LLM or tool RPC. Fails the step.
	ErrCodeTransport = "TRANSPORT_ERROR"
	// ErrCodeProtocol marks a malformed message envelope or an unknown
	// instruction key. The message is dropped and logged.
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeStageLogic marks a refused stage transition, e.g. start_stage on
	// an unknown stage. The task is left untouched.
	ErrCodeStageLogic = "STAGE_LOGIC_ERROR"
	// ErrCodeNotFound marks a lookup miss on a task, stage, step, or agent.
	ErrCodeNotFound = "NOT_FOUND"
)

// AppError represents a runtime error with its taxonomy code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Config creates a configuration error. Configuration errors abort startup.
func Config(message string) *AppError {
	return &AppError{Code: ErrCodeConfig, Message: message}
}

// Parse creates a parse error for unusable model output.
func Parse(message string, err error) *AppError {
	return &AppError{Code: ErrCodeParse, Message: message, Err: err}
}

// Permission creates a permission error for a whitelist violation.
func Permission(executorName string) *AppError {
	return &AppError{
		Code:    ErrCodePermission,
		Message: fmt.Sprintf("executor '%s' is not in the agent's whitelist", executorName),
	}
}

// Transport creates a transport error for a failed LLM or tool RPC.
func Transport(message string, err error) *AppError {
	return &AppError{Code: ErrCodeTransport, Message: message, Err: err}
}

// Protocol creates a protocol error for a malformed message or instruction.
func Protocol(message string, err error) *AppError {
	return &AppError{Code: ErrCodeProtocol, Message: message, Err: err}
}

// StageLogic creates a stage logic error for a refused transition.
func StageLogic(message string) *AppError {
	return &AppError{Code: ErrCodeStageLogic, Message: message}
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If the error is already an AppError its code is preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{Code: ErrCodeProtocol, Message: message, Err: err}
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsConfig checks if the error is a configuration error.
func IsConfig(err error) bool { return HasCode(err, ErrCodeConfig) }

// IsParse checks if the error is a parse error.
func IsParse(err error) bool { return HasCode(err, ErrCodeParse) }

// IsPermission checks if the error is a permission error.
func IsPermission(err error) bool { return HasCode(err, ErrCodePermission) }

// IsTransport checks if the error is a transport error.
func IsTransport(err error) bool { return HasCode(err, ErrCodeTransport) }

// IsProtocol checks if the error is a protocol error.
func IsProtocol(err error) bool { return HasCode(err, ErrCodeProtocol) }

// IsStageLogic checks if the error is a stage logic error.
func IsStageLogic(err error) bool { return HasCode(err, ErrCodeStageLogic) }

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }
