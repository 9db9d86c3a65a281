// Package service converts between the wire representation of messages and
// store entities. It owns the external form of pop receipts and makes sure a
// peek never hands out a usable one.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/pkg/wire"
)

// DefaultMaxBatch caps claim and peek sizes when New is given 0.
const DefaultMaxBatch = 32

// ErrInvalidVisibility is returned for a claim with a non-positive timeout.
var ErrInvalidVisibility = errors.New("service: visibility timeout must be positive")

type Service struct {
	store    store.Store
	maxBatch int
}

func New(s store.Store, maxBatch int) *Service {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Service{store: s, maxBatch: maxBatch}
}

func (s *Service) Enqueue(ctx context.Context, queueName string, content []byte, ttl time.Duration) error {
	if queueName == "" {
		return queue.ErrInvalidQueue
	}
	if _, err := s.store.Enqueue(ctx, queueName, content, ttl); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues(queueName).Inc()
	return nil
}

// Claim leases up to maxCount messages. The result is never nil.
func (s *Service) Claim(ctx context.Context, queueName string, maxCount int, visibility time.Duration) ([]wire.Message, error) {
	if queueName == "" {
		return nil, queue.ErrInvalidQueue
	}
	if visibility <= 0 {
		return nil, ErrInvalidVisibility
	}
	msgs, err := s.store.Claim(ctx, queue.ClaimOptions{
		Queue:      queueName,
		Limit:      s.clamp(maxCount),
		Visibility: visibility,
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesClaimed.WithLabelValues(queueName).Add(float64(len(msgs)))

	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.PopReceipt == nil {
			return nil, fmt.Errorf("service: claim returned message %d without a receipt", m.ID)
		}
		out = append(out, toWire(m))
	}
	return out, nil
}

// Peek returns up to maxCount messages. Receipts are always nil.
func (s *Service) Peek(ctx context.Context, queueName string, maxCount int) ([]wire.Message, error) {
	if queueName == "" {
		return nil, queue.ErrInvalidQueue
	}
	msgs, err := s.store.Peek(ctx, queueName, s.clamp(maxCount))
	if err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWire(m.Stripped()))
	}
	return out, nil
}

// Delete removes a message if receipt proves current ownership. Ownership
// outcomes are results, not errors.
func (s *Service) Delete(ctx context.Context, queueName string, id int64, receipt string) (wire.DeleteResult, error) {
	if queueName == "" {
		return wire.DeleteNotFound, queue.ErrInvalidQueue
	}
	// A malformed token can never match. uuid.Nil still lets the store
	// tell NotFound from LostOwnership.
	r, err := ParseReceipt(receipt)
	if err != nil {
		r = uuid.Nil
	}
	res, err := s.store.Delete(ctx, queueName, id, r)
	if err != nil {
		return wire.DeleteNotFound, err
	}
	out := fromResult(res)
	metrics.MessagesDeleted.WithLabelValues(queueName, string(out)).Inc()
	return out, nil
}

func (s *Service) ApproximateCount(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, queue.ErrInvalidQueue
	}
	return s.store.Count(ctx, queueName)
}

func (s *Service) Clear(ctx context.Context, queueName string) error {
	if queueName == "" {
		return queue.ErrInvalidQueue
	}
	return s.store.Clear(ctx, queueName)
}

func (s *Service) clamp(n int) int {
	switch {
	case n < 0:
		return 0
	case n > s.maxBatch:
		return s.maxBatch
	default:
		return n
	}
}

// FormatReceipt renders a receipt as 32 lowercase hex characters.
func FormatReceipt(u uuid.UUID) string {
	return hex.EncodeToString(u[:])
}

// ParseReceipt accepts the 32 character form and the dashed uuid form.
func ParseReceipt(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, errors.New("service: empty receipt")
	}
	return uuid.Parse(s)
}

func toWire(m queue.Message) wire.Message {
	out := wire.Message{
		ID:           m.ID,
		EnqueuedAt:   m.EnqueuedAt,
		VisibleUntil: m.VisibleAt,
		Content:      m.Content,
	}
	if out.Content == nil {
		out.Content = []byte{}
	}
	if m.PopReceipt != nil {
		r := FormatReceipt(*m.PopReceipt)
		out.PopReceipt = &r
	}
	return out
}

func fromResult(r queue.DeleteResult) wire.DeleteResult {
	switch r {
	case queue.DeleteOK:
		return wire.DeleteOK
	case queue.DeleteLostOwnership:
		return wire.DeleteLostOwnership
	default:
		return wire.DeleteNotFound
	}
}
