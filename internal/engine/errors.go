package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned for commands submitted after the Coordinator
// stopped, or still queued when it stopped.
var ErrStopped = errors.New("coordinator stopped")

// Error represents a failure while processing a command.
//
// Batch logic itself never fails; errors come from the collaborators the
// Coordinator drives:
//   - Stopped: the Run loop is not accepting commands
//   - Store: the transaction carrying the record update failed
//   - Rate: the rate source failed (recovered with the default rate)
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the command being processed ("click", "evaluate", ...).
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes coordinator errors.
type ErrorCode string

const (
	// ErrCodeStopped indicates the coordinator is not running.
	ErrCodeStopped ErrorCode = "STOPPED"

	// ErrCodeStore indicates the store transaction failed and was rolled back.
	ErrCodeStore ErrorCode = "STORE"

	// ErrCodeRate indicates the rate source failed.
	ErrCodeRate ErrorCode = "RATE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStopped returns true if err reports a stopped coordinator.
// Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeStopped
	}
	return errors.Is(err, ErrStopped)
}

// IsStoreError returns true if err is a failed store transaction.
func IsStoreError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == ErrCodeStore
}

func stoppedError(op string) *Error {
	return &Error{Code: ErrCodeStopped, Op: op, Err: ErrStopped}
}

func storeError(op string, err error) *Error {
	return &Error{Code: ErrCodeStore, Op: op, Message: "transaction failed", Err: err}
}

func rateError(err error) *Error {
	return &Error{Code: ErrCodeRate, Op: "click", Message: "rate source failed", Err: err}
}
