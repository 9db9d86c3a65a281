package worker

import (
	"errors"
	"fmt"
)

var (
	ErrStarted       = errors.New("worker: already started")
	ErrStopped       = errors.New("worker: stopped")
	ErrInvalidTask   = errors.New("worker: invalid task")
	ErrDuplicateTask = errors.New("worker: task already registered for queue")

	// ErrLostOwnership means the claim expired and someone else holds the
	// message now; it will be processed again by the new owner.
	ErrLostOwnership = errors.New("worker: lost ownership")
	ErrNotFound      = errors.New("worker: message not found")
)

// ClaimError is reported when a poll could not claim messages.
type ClaimError struct {
	Queue string
	Err   error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("worker: claim from %s: %v", e.Queue, e.Err)
}

func (e *ClaimError) Unwrap() error { return e.Err }

// ProcessingError is reported when a handler returns an error.
type ProcessingError struct {
	Queue     string
	MessageID int64
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("worker: process %s/%d: %v", e.Queue, e.MessageID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// PanicError is reported when a handler panics.
type PanicError struct {
	Queue     string
	MessageID int64
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker: process %s/%d: panic: %v", e.Queue, e.MessageID, e.Value)
}

// DeleteError is reported when acknowledging a processed message failed.
type DeleteError struct {
	Queue     string
	MessageID int64
	Err       error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("worker: delete %s/%d: %v", e.Queue, e.MessageID, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }
