package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidQueue is returned when a queue name is empty.
var ErrInvalidQueue = errors.New("queue: name is required")

// Message is the durable queue row mapped to Go.
type Message struct {
	ID         int64
	Queue      string
	Content    []byte
	EnqueuedAt time.Time
	// VisibleAt is the claim deadline. Nil until the first claim.
	VisibleAt *time.Time
	// ExpiresAt is the TTL deadline. Nil means the message never expires.
	ExpiresAt  *time.Time
	PopReceipt *uuid.UUID
}

// Claimed reports whether the message holds a live claim at now.
func (m Message) Claimed(now time.Time) bool {
	return m.PopReceipt != nil && m.VisibleAt != nil && m.VisibleAt.After(now)
}

// Stripped returns a copy of m without its pop receipt.
func (m Message) Stripped() Message {
	m.PopReceipt = nil
	return m
}

// ClaimOptions controls how we claim messages.
type ClaimOptions struct {
	Queue      string
	Limit      int
	Visibility time.Duration
}

// DeleteResult is the outcome of an ownership-checked delete.
type DeleteResult int

const (
	DeleteOK DeleteResult = iota
	DeleteNotFound
	DeleteLostOwnership
)

func (r DeleteResult) String() string {
	switch r {
	case DeleteOK:
		return "ok"
	case DeleteNotFound:
		return "not_found"
	case DeleteLostOwnership:
		return "lost_ownership"
	default:
		return "unknown"
	}
}

// ExpiryFor converts an enqueue ttl into an absolute deadline.
// A ttl of zero or less never expires.
func ExpiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
