package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(t0)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, Options{Prefix: "test"}), mr
}

func TestStore_EnqueuePeekClaimDelete(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, "q", []byte("abc"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.ID)
	assert.True(t, msg.EnqueuedAt.Equal(t0))

	peeked, err := s.Peek(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, peeked, 1)
	assert.Equal(t, []byte("abc"), peeked[0].Content)
	assert.Nil(t, peeked[0].PopReceipt)
	assert.Nil(t, peeked[0].VisibleAt)

	claimed, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NotNil(t, claimed[0].PopReceipt)
	require.NotNil(t, claimed[0].VisibleAt)
	assert.True(t, claimed[0].VisibleAt.Equal(t0.Add(time.Minute)))

	res, err := s.Delete(ctx, "q", msg.ID, *claimed[0].PopReceipt)
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteOK, res)

	peeked, err = s.Peek(ctx, "q", 10)
	require.NoError(t, err)
	assert.Empty(t, peeked)
}

func TestStore_ReclaimAfterExpiry(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, "q", []byte("abc"), 0)
	require.NoError(t, err)

	first, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, first, 1)

	mr.SetTime(t0.Add(5 * time.Millisecond))

	second, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, *first[0].PopReceipt, *second[0].PopReceipt)

	none, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	res, err := s.Delete(ctx, "q", msg.ID, *first[0].PopReceipt)
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteLostOwnership, res)

	res, err = s.Delete(ctx, "q", msg.ID, *second[0].PopReceipt)
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteOK, res)

	res, err = s.Delete(ctx, "q", msg.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteNotFound, res)
}

func TestStore_ClaimOrderAndLimit(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	// More than one scan batch.
	for i := 0; i < scanBatch+10; i++ {
		_, err := s.Enqueue(ctx, "q", []byte{'m'}, 0)
		require.NoError(t, err)
	}

	got, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 3, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})

	rest, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 1000, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, rest, scanBatch+7)
	for i := 1; i < len(rest); i++ {
		assert.Less(t, rest[i-1].ID, rest[i].ID)
	}
}

func TestStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := s.Enqueue(ctx, "q", []byte{byte(i)}, 0)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for c := 0; c < 6; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 7, Visibility: time.Minute})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				seen[m.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 30)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d claimed %d times", id, n)
	}
}

func TestStore_TTLCountClearPurge(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	short, err := s.Enqueue(ctx, "q", []byte("short"), time.Second)
	require.NoError(t, err)
	require.NotNil(t, short.ExpiresAt)
	assert.True(t, short.ExpiresAt.Equal(t0.Add(time.Second)))

	_, err = s.Enqueue(ctx, "q", []byte("forever"), 0)
	require.NoError(t, err)

	n, err := s.Count(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	mr.SetTime(t0.Add(2 * time.Second))

	got, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("forever"), got[0].Content)

	purged, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	n, err = s.Count(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.Clear(ctx, "q"))
	n, err = s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_SubMillisecondVisibilityStillLeases(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "q", []byte("abc"), 0)
	require.NoError(t, err)

	first, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: 500 * time.Microsecond})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, first[0].VisibleAt.Equal(t0.Add(time.Millisecond)))

	// Same server millisecond: the lease is still held.
	second, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, second)

	mr.SetTime(t0.Add(time.Millisecond))
	third, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 10, Visibility: time.Minute})
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestCeilMillis(t *testing.T) {
	assert.EqualValues(t, 0, ceilMillis(0))
	assert.EqualValues(t, 0, ceilMillis(-time.Second))
	assert.EqualValues(t, 1, ceilMillis(time.Nanosecond))
	assert.EqualValues(t, 1, ceilMillis(time.Millisecond))
	assert.EqualValues(t, 2, ceilMillis(1500*time.Microsecond))
}

func TestStore_DeleteAfterTTLIsNotFound(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, "q", []byte("abc"), time.Minute)
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, queue.ClaimOptions{Queue: "q", Limit: 1, Visibility: time.Hour})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Moves the script clock only; the hash is still there.
	mr.SetTime(t0.Add(2 * time.Minute))

	res, err := s.Delete(ctx, "q", msg.ID, *claimed[0].PopReceipt)
	require.NoError(t, err)
	assert.Equal(t, queue.DeleteNotFound, res)
}
