package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Setup-phase errors. They abort the current test only.
const (
	// ErrCodeSetup indicates the loop or the adapter cannot proceed before the
	// test body runs.
	ErrCodeSetup ErrorCode = "SETUP_ERROR"
	// ErrCodeResourceExhausted indicates no free port was found within the
	// bounded number of attempts.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	// ErrCodeServiceStart indicates a background service failed to start.
	ErrCodeServiceStart ErrorCode = "SERVICE_START_ERROR"
)

// Teardown-phase errors.
const (
	// ErrCodeServiceStop aggregates one or more service stop failures.
	ErrCodeServiceStop ErrorCode = "SERVICE_STOP_ERROR"
)

var setupCodes = map[ErrorCode]bool{
	ErrCodeSetup:             true,
	ErrCodeResourceExhausted: true,
	ErrCodeServiceStart:      true,
}

// IsSetupCode reports whether the code belongs to the setup phase.
func IsSetupCode(code ErrorCode) bool {
	return setupCodes[code]
}
