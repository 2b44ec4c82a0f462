// Package errors provides the structured error kinds reported by testkit
// fixtures. Every failure that happens around a test body (loop setup, port
// allocation, service start or stop) surfaces as an *AppError carrying a
// machine-readable ErrorCode, so callers can branch on the kind with IsCode
// while errors.Is and errors.As still reach the underlying cause.
//
// Failures raised by the test body itself are never converted into an
// AppError.
package errors
