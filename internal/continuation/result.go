package continuation

import (
	"fmt"
	"time"

	"github.com/picklr-io/broker/internal/model"
)

// Result is the outcome of one step.
type Result struct {
	Status      model.OperationState
	RetryAfter  time.Duration
	NextInput   *Input
	ErrorReason string
}

// Next schedules another step carrying token after retryAfter.
func Next(in *Input, token []byte, status model.OperationState, retryAfter time.Duration) *Result {
	return &Result{Status: status, RetryAfter: retryAfter, NextInput: in.BuildNextInput(token)}
}

// Done ends the chain with status.
func Done(status model.OperationState, reason string) *Result {
	return &Result{Status: status, ErrorReason: reason}
}

// UnavailableError tells the worker to retry the same input later without
// counting the attempt as a failure or changing the chain status.
type UnavailableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("temporarily unavailable, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an UnavailableError.
func Unavailable(retryAfter time.Duration, err error) error {
	return &UnavailableError{RetryAfter: retryAfter, Err: err}
}
