package booking

import (
	"errors"
	"fmt"
)

// ErrorClass drives retry and terminal-state decisions.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassRaceLost
	ClassStructural
	ClassExhausted
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRaceLost:
		return "race_lost"
	case ClassStructural:
		return "structural"
	case ClassExhausted:
		return "resource_exhausted"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var (
	// ErrResourceExhausted means no session became free before the acquire timeout.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrRaceLost means the listing disappeared before or during the attempt.
	ErrRaceLost = errors.New("race lost")
	// ErrRequestFailed means every task of a request ended without a confirmation.
	ErrRequestFailed = errors.New("request failed")
)

// TransientError is a failure expected to clear on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// StructuralError means the page or session is in a shape retries cannot fix:
// layout changed, captcha, logged out, site rejected the submission.
type StructuralError struct {
	Op     string
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	msg := e.Op + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralError) Unwrap() error { return e.Err }

func Structural(op, reason string, err error) error {
	return &StructuralError{Op: op, Reason: reason, Err: err}
}

// Classify maps an error onto an ErrorClass. Unknown errors are transient so
// the retry budget bounds them.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrResourceExhausted) {
		return ClassExhausted
	}
	if errors.Is(err, ErrRaceLost) {
		return ClassRaceLost
	}
	var se *StructuralError
	if errors.As(err, &se) {
		return ClassStructural
	}
	// TransientError, timeouts, network errors and anything unrecognised
	return ClassTransient
}

// IsRetryable reports whether Classify puts err in a class that may be retried.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassExhausted:
		return true
	}
	return false
}
