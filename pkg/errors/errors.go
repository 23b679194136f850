// Package errors provides structured error handling for the VDF exchange engine.
//
// Every failure the engines surface is an *Error carrying an ErrorType. The
// type decides how far a failure propagates: some abort the whole run, some
// only the namespace being processed, and some are warnings that never stop
// anything.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConfig represents bad or missing arguments. Fatal, pre-flight.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents an unreachable backend. Fatal for that backend's run.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents call-level deadline errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRateLimit represents quota and rate limit rejections
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypePayloadTooLarge represents requests rejected for their size
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"
	// ErrorTypeTransientFetch represents a page fetch that may succeed when retried smaller
	ErrorTypeTransientFetch ErrorType = "transient_fetch"
	// ErrorTypeFetchExhausted is raised when the page size fell below its floor. Fatal per namespace.
	ErrorTypeFetchExhausted ErrorType = "fetch_exhausted"
	// ErrorTypeSchemaMismatch represents dimension mismatches. Fatal per namespace.
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch"
	// ErrorTypeUnknownMetric represents a metric missing from a backend table. Fatal per namespace.
	ErrorTypeUnknownMetric ErrorType = "unknown_metric"
	// ErrorTypePartialCoverage is a warning: discovery ended below the reported total.
	ErrorTypePartialCoverage ErrorType = "partial_coverage"
	// ErrorTypeUpsertExhausted is raised when the batch size fell below its floor. Fatal for the run.
	ErrorTypeUpsertExhausted ErrorType = "upsert_exhausted"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeData represents malformed records or chunk contents
	ErrorTypeData ErrorType = "data"
	// ErrorTypeCapability represents an adapter lacking a required capability
	ErrorTypeCapability ErrorType = "capability"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// TypeOf returns the type of the outermost *Error in the chain, or
// ErrorTypeInternal when err is not one of ours.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection,
		ErrorTypeTransientFetch, ErrorTypePayloadTooLarge:
		return true
	default:
		return false
	}
}

// IsType checks if any error in the chain is of the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsNamespaceFatal reports whether err ends the current namespace but must
// not stop the remaining namespaces and indexes of the run.
func IsNamespaceFatal(err error) bool {
	if err == nil || IsRunFatal(err) {
		return false
	}
	return true
}

// IsRunFatal reports whether err must abort the whole run.
func IsRunFatal(err error) bool {
	if err == nil {
		return false
	}
	if IsType(err, ErrorTypeConfig) ||
		IsType(err, ErrorTypeConnection) ||
		IsType(err, ErrorTypeUpsertExhausted) {
		return true
	}
	// call-level deadlines are wrapped as timeouts by the adapters
	if IsType(err, ErrorTypeTimeout) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return errors.Join(errs...) }

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
