package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError is the unified testkit error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// --- Constructors ---

// SetupError creates an AppError for a fixture that cannot be provisioned
// before the test body runs.
func SetupError(reason string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeSetup, Message: reason, Cause: cause,
	}
}

// ResourceExhausted creates an AppError for a port allocation that gave up
// after the given number of attempts.
func ResourceExhausted(protocol, host string, attempts int, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeResourceExhausted,
		Message: fmt.Sprintf("no free %s port on %q after %d attempts", protocol, host, attempts),
		Details: map[string]any{"protocol": protocol, "host": host, "attempts": attempts},
		Cause:   cause,
	}
}

// ServiceStartError creates an AppError for the service at position index
// that failed to start. descriptor is the value the service was built from.
func ServiceStartError(index int, name string, descriptor any, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeServiceStart,
		Message: fmt.Sprintf("service %q (#%d) failed to start", name, index),
		Details: map[string]any{"index": index, "service": name, "descriptor": descriptor},
		Cause:   cause,
	}
}

// ServiceStopError aggregates stop failures. It returns nil when failures
// is empty so callers can return its result directly.
func ServiceStopError(failures []error) error {
	if len(failures) == 0 {
		return nil
	}
	return &AppError{
		Code:    ErrCodeServiceStop,
		Message: fmt.Sprintf("%d service(s) failed to stop", len(failures)),
		Details: map[string]any{"failures": len(failures)},
		Cause:   stderrors.Join(failures...),
	}
}

// --- Inspection ---

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err, or any error it wraps, is an AppError with code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		appErr, ok := AsAppError(err)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsSetup reports whether err is a SETUP_ERROR.
func IsSetup(err error) bool { return IsCode(err, ErrCodeSetup) }

// IsResourceExhausted reports whether err is a RESOURCE_EXHAUSTED error.
func IsResourceExhausted(err error) bool { return IsCode(err, ErrCodeResourceExhausted) }

// IsServiceStart reports whether err is a SERVICE_START_ERROR.
func IsServiceStart(err error) bool { return IsCode(err, ErrCodeServiceStart) }

// IsServiceStop reports whether err is a SERVICE_STOP_ERROR.
func IsServiceStop(err error) bool { return IsCode(err, ErrCodeServiceStop) }

// Failures returns the individual errors aggregated by a SERVICE_STOP_ERROR,
// in the order they occurred. It returns nil for any other error.
func Failures(err error) []error {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != ErrCodeServiceStop || appErr.Cause == nil {
		return nil
	}
	if joined, ok := appErr.Cause.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{appErr.Cause}
}
