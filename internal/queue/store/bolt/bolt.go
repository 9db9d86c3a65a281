// Package bolt is a single-file Store backed by bbolt.
//
// bbolt allows one read-write transaction at a time and takes an exclusive
// file lock on open, so a claim inside db.Update is atomic with respect to
// every other writer. It suits embedded and single-host deployments; use the
// postgres or redis stores when several hosts consume the same queues.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

var _ store.Store = (*Store)(nil)

var bucketQueues = []byte("queues")

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// record is the stored form of a message. The queue name and id live in
// the bucket path and key.
type record struct {
	Content    []byte     `json:"c"`
	EnqueuedAt time.Time  `json:"e"`
	VisibleAt  *time.Time `json:"v,omitempty"`
	ExpiresAt  *time.Time `json:"x,omitempty"`
	PopReceipt *uuid.UUID `json:"r,omitempty"`
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueues)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Enqueue(ctx context.Context, queueName string, content []byte, ttl time.Duration) (queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return queue.Message{}, err
	}
	now := s.now()
	rec := record{
		Content:    append([]byte{}, content...),
		EnqueuedAt: now,
		ExpiresAt:  queue.ExpiryFor(now, ttl),
	}

	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketQueues)
		b, err := root.CreateBucketIfNotExists([]byte(queueName))
		if err != nil {
			return err
		}
		// Ids come from the root bucket so they are unique store-wide.
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		return put(b, id, rec)
	})
	if err != nil {
		return queue.Message{}, fmt.Errorf("bolt: enqueue: %w", err)
	}
	return rec.message(queueName, id), nil
}

func (s *Store) Claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Message, error) {
	out := []queue.Message{}
	if opts.Limit <= 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(opts.Queue))
		if b == nil {
			return nil
		}
		now := s.now()
		visibleAt := now.Add(opts.Visibility)

		type claimed struct {
			id  int64
			rec record
		}
		var picked []claimed

		c := b.Cursor()
		for k, v := c.First(); k != nil && len(picked) < opts.Limit; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			if expired(rec, now) || leased(rec, now) {
				continue
			}
			receipt := uuid.New()
			va := visibleAt
			rec.VisibleAt = &va
			rec.PopReceipt = &receipt
			picked = append(picked, claimed{id: decodeID(k), rec: rec})
		}

		// Writes happen after the scan; mutating under a live cursor is unsafe.
		for _, p := range picked {
			if err := put(b, p.id, p.rec); err != nil {
				return err
			}
			out = append(out, p.rec.message(opts.Queue, p.id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: claim: %w", err)
	}
	return out, nil
}

func (s *Store) Peek(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	out := []queue.Message{}
	if limit <= 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(queueName))
		if b == nil {
			return nil
		}
		now := s.now()
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %x: %w", k, err)
			}
			if expired(rec, now) {
				continue
			}
			out = append(out, rec.message(queueName, decodeID(k)).Stripped())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: peek: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, queueName string, id int64, receipt uuid.UUID) (queue.DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return queue.DeleteNotFound, err
	}

	res := queue.DeleteNotFound
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(queueName))
		if b == nil {
			return nil
		}
		key := encodeID(id)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %d: %w", id, err)
		}
		// Expired but not purged yet: already gone as far as readers know.
		if expired(rec, s.now()) {
			return nil
		}
		if rec.PopReceipt == nil || *rec.PopReceipt != receipt {
			res = queue.DeleteLostOwnership
			return nil
		}
		res = queue.DeleteOK
		return b.Delete(key)
	})
	if err != nil {
		return queue.DeleteNotFound, fmt.Errorf("bolt: delete: %w", err)
	}
	return res, nil
}

func (s *Store) Count(ctx context.Context, queueName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueues).Bucket([]byte(queueName))
		if b == nil {
			return nil
		}
		now := s.now()
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !expired(rec, now) {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: count: %w", err)
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context, queueName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketQueues)
		if root.Bucket([]byte(queueName)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(queueName))
	})
	if err != nil {
		return fmt.Errorf("bolt: clear: %w", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now()
		root := tx.Bucket(bucketQueues)
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			b := root.Bucket(name)
			var dead [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if expired(rec, now) {
					dead = append(dead, append([]byte{}, k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range dead {
				if err := b.Delete(k); err != nil {
					return err
				}
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: purge: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (r record) message(queueName string, id int64) queue.Message {
	return queue.Message{
		ID:         id,
		Queue:      queueName,
		Content:    r.Content,
		EnqueuedAt: r.EnqueuedAt,
		VisibleAt:  r.VisibleAt,
		ExpiresAt:  r.ExpiresAt,
		PopReceipt: r.PopReceipt,
	}
}

func expired(r record, now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

func leased(r record, now time.Time) bool {
	return r.VisibleAt != nil && r.VisibleAt.After(now)
}

func put(b *bbolt.Bucket, id int64, rec record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(encodeID(id), val)
}

// Keys are big-endian so cursor order is id order.
func encodeID(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func decodeID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}
