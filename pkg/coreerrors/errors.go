// Package coreerrors defines the error taxonomy shared by every package in
// corevm: NotFound, NeedOlder, Transient, Busy, and Fatal. It generalizes the
// teacher's single ProtocolError (message + wrapped cause) into the five-way
// split the execution engine needs to tell its callers, and the Executor,
// what kind of failure just happened.
package coreerrors

import "fmt"

// NotFoundError signals that an index is past the tail of a log, or that an
// accumulator mismatch indicates the caller is looking at a reorg'd view.
type NotFoundError struct {
	Message string
	Cause   error
}

func (e *NotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *NotFoundError) Unwrap() error { return e.Cause }

func NotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func WrapNotFound(err error, message string) *NotFoundError {
	return &NotFoundError{Message: message, Cause: err}
}

func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// NeedOlderError is returned when an incoming message batch's previous
// accumulator is not present at the current tip of the MessageLog: the
// feeder must go fetch older messages before retrying.
type NeedOlderError struct {
	Message string
}

func (e *NeedOlderError) Error() string { return e.Message }

func NeedOlder(format string, args ...interface{}) *NeedOlderError {
	return &NeedOlderError{Message: fmt.Sprintf(format, args...)}
}

func IsNeedOlder(err error) bool {
	_, ok := err.(*NeedOlderError)
	return ok
}

// TransientError wraps a KV I/O failure. The transaction that produced it is
// always rolled back; the call site decides whether to retry or terminate.
type TransientError struct {
	Message string
	Cause   error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransientError) Unwrap() error { return e.Cause }

func Transient(cause error, format string, args ...interface{}) *TransientError {
	return &TransientError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

func IsTransient(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}

// BusyError is returned when an ExecutionCursor gives up after retrying
// through reorgs the maximum number of times.
type BusyError struct {
	Message string
}

func (e *BusyError) Error() string { return e.Message }

func Busy(format string, args ...interface{}) *BusyError {
	return &BusyError{Message: fmt.Sprintf(format, args...)}
}

func IsBusy(err error) bool {
	_, ok := err.(*BusyError)
	return ok
}

// FatalError marks an invariant violation: a corrupted checkpoint, a refcount
// underflow, a sequencer batch item mixing delayed and sequencer messages.
// Any FatalError aborts the Executor loop; only a reorg to genesis restarts
// it cleanly.
type FatalError struct {
	Message string
	Cause   error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *FatalError) Unwrap() error { return e.Cause }

func Fatal(format string, args ...interface{}) *FatalError {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

func WrapFatal(err error, message string) *FatalError {
	return &FatalError{Message: message, Cause: err}
}

func IsFatal(err error) bool {
	_, ok := err.(*FatalError)
	return ok
}
