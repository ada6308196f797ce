package domain

import "errors"

var (
	// ErrInvalidPayload is returned when a job payload cannot be decoded or
	// fails validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrStallTimeout is returned when a job exceeds its hard execution limit
	ErrStallTimeout = errors.New("build stall timeout")
)

// VMFatalError wraps failures of the underlying VM session. Stall timeouts and
// VM fatal errors are recoverable infrastructure faults: the message is
// requeued and the worker stays in service. Everything else sends the worker
// to errored.
type VMFatalError struct {
	Reason string
	Err    error
}

func (e *VMFatalError) Error() string {
	if e.Err != nil {
		return "vm fatal error: " + e.Reason + ": " + e.Err.Error()
	}
	return "vm fatal error: " + e.Reason
}

func (e *VMFatalError) Unwrap() error {
	return e.Err
}

// NewVMFatalError creates a VMFatalError
func NewVMFatalError(reason string, err error) error {
	return &VMFatalError{Reason: reason, Err: err}
}

// IsVMFatal reports whether err is, or wraps, a VMFatalError
func IsVMFatal(err error) bool {
	var vmErr *VMFatalError
	return errors.As(err, &vmErr)
}

// IsRecoverable reports whether err is an infrastructure fault that should
// requeue the message without marking the worker errored
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrStallTimeout) || IsVMFatal(err)
}
