package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNotInstalled means the local proxy distribution is missing
	ErrorTypeNotInstalled
	// ErrorTypeUnexpected wraps unanticipated I/O or extraction failures
	ErrorTypeUnexpected
	// ErrorTypeStartStop means the supervised process failed to start or stop
	ErrorTypeStartStop
	// ErrorTypeUnableToConnect means the control endpoint could not be reached
	ErrorTypeUnableToConnect
	// ErrorTypeUnexpectedStatus means the control endpoint answered with a status we did not expect
	ErrorTypeUnexpectedStatus
	// ErrorTypeMalformedResponse means the response body was not the expected JSON shape
	ErrorTypeMalformedResponse
	// ErrorTypeIllegalState means the operation was invoked on a closed session
	ErrorTypeIllegalState
)

// String returns a string representation of the ErrorType.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNotInstalled:
		return "NotInstalled"
	case ErrorTypeUnexpected:
		return "Unexpected"
	case ErrorTypeStartStop:
		return "StartStop"
	case ErrorTypeUnableToConnect:
		return "UnableToConnect"
	case ErrorTypeUnexpectedStatus:
		return "UnexpectedStatus"
	case ErrorTypeMalformedResponse:
		return "MalformedResponse"
	case ErrorTypeIllegalState:
		return "IllegalState"
	default:
		return "Unknown"
	}
}

// Error represents a structured error with type information
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// NewError creates a new Error with the specified type and message
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error with the specified type, message, and underlying cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewNotInstalledError creates an error for a missing local installation
func NewNotInstalledError(message string) *Error {
	return NewError(ErrorTypeNotInstalled, message)
}

// NewUnexpectedError wraps an unanticipated failure
func NewUnexpectedError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeUnexpected, message, cause)
}

// NewStartStopError creates a process start/stop error
func NewStartStopError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeStartStop, message, cause)
}

// NewUnableToConnectError creates a connectivity error
func NewUnableToConnectError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeUnableToConnect, message, cause)
}

// NewUnexpectedStatusError creates an error carrying the offending status code
func NewUnexpectedStatusError(message string, statusCode int) *Error {
	return &Error{
		Type:       ErrorTypeUnexpectedStatus,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewMalformedResponseError creates an error for an unparseable or incomplete body
func NewMalformedResponseError(message string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeMalformedResponse, message, cause)
}

// NewIllegalStateError creates an error for an operation on a closed session
func NewIllegalStateError(message string) *Error {
	return NewError(ErrorTypeIllegalState, message)
}

// IsErrorType reports whether err, or anything it wraps, is an *Error of the given type.
func IsErrorType(err error, errorType ErrorType) bool {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.IsType(errorType)
	}
	return false
}

// IsNotInstalledError checks if an error reports a missing installation
func IsNotInstalledError(err error) bool {
	return IsErrorType(err, ErrorTypeNotInstalled)
}

// IsUnexpectedError checks if an error is an unexpected failure
func IsUnexpectedError(err error) bool {
	return IsErrorType(err, ErrorTypeUnexpected)
}

// IsStartStopError checks if an error is a process start/stop failure
func IsStartStopError(err error) bool {
	return IsErrorType(err, ErrorTypeStartStop)
}

// IsUnableToConnectError checks if an error is connectivity-related
func IsUnableToConnectError(err error) bool {
	return IsErrorType(err, ErrorTypeUnableToConnect)
}

// IsUnexpectedStatusError checks if an error carries an unexpected HTTP status
func IsUnexpectedStatusError(err error) bool {
	return IsErrorType(err, ErrorTypeUnexpectedStatus)
}

// IsMalformedResponseError checks if an error reports an unparseable body
func IsMalformedResponseError(err error) bool {
	return IsErrorType(err, ErrorTypeMalformedResponse)
}

// IsIllegalStateError checks if an error reports use of a closed session
func IsIllegalStateError(err error) bool {
	return IsErrorType(err, ErrorTypeIllegalState)
}

// WrapHTTPError wraps an HTTP response into an UnexpectedStatus error
func WrapHTTPError(resp *http.Response, message string) *Error {
	return NewUnexpectedStatusError(fmt.Sprintf("%s: %s", message, resp.Status), resp.StatusCode)
}
