package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/amqp"
)

// ErrMalformedInput matches every MalformedInputError with errors.Is.
var ErrMalformedInput = errors.New("malformed input")

// ErrMessagePending is returned by NextMessage while the previous message has not been
// finished; fetching another would orphan its acknowledgment.
var ErrMessagePending = errors.New("previous message was not finished")

// MalformedInputError is a poison message: redelivering it will fail the same way, so it
// is never retried.
type MalformedInputError struct {
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed input: %s: %v", e.Reason, e.Err)
	}
	return "malformed input: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

func (e *MalformedInputError) Is(target error) bool { return target == ErrMalformedInput }

func malformed(err error, format string, a ...any) error {
	return &MalformedInputError{Reason: fmt.Sprintf(format, a...), Err: err}
}

// Outcome says what a caller should do about an error.
type Outcome int

const (
	Ok Outcome = iota
	// Retryable errors are cured by rebuilding the connection.
	Retryable
	// Fatal errors must reach the caller.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps an error to an Outcome. Transport errors are retryable; malformed
// input, cancellation and anything unknown are fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Ok
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	if errors.Is(err, ErrMalformedInput) {
		return Fatal
	}
	if e, ok := amqp.AsError(err); ok && e.Retryable() {
		return Retryable
	}
	return Fatal
}
