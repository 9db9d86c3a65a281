// Package wire holds the representation of queue messages shared by the
// HTTP API, the Go client and the worker.
package wire

import (
	"fmt"
	"time"
)

// Message is a queue message as seen by consumers.
// PopReceipt is nil unless the message was returned by a claim.
type Message struct {
	ID           int64      `json:"id"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	VisibleUntil *time.Time `json:"visible_until,omitempty"`
	Content      []byte     `json:"content"`
	PopReceipt   *string    `json:"pop_receipt"`
}

// Receipt returns the pop receipt or "" when absent.
func (m Message) Receipt() string {
	if m.PopReceipt == nil {
		return ""
	}
	return *m.PopReceipt
}

// DeleteResult is the outcome of an ownership-checked delete.
type DeleteResult string

const (
	DeleteOK            DeleteResult = "ok"
	DeleteNotFound      DeleteResult = "not_found"
	DeleteLostOwnership DeleteResult = "lost_ownership"
)

func (r DeleteResult) Valid() bool {
	switch r {
	case DeleteOK, DeleteNotFound, DeleteLostOwnership:
		return true
	}
	return false
}

// UnmarshalText rejects unknown results so a newer server cannot be
// silently misread.
func (r *DeleteResult) UnmarshalText(b []byte) error {
	v := DeleteResult(b)
	if !v.Valid() {
		return fmt.Errorf("wire: unknown delete result %q", string(b))
	}
	*r = v
	return nil
}
