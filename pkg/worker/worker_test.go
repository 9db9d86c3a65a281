package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/pkg/wire"
)

type deleteCall struct {
	queue   string
	id      int64
	receipt string
}

// fakeQueue hands out pending messages in order and records deletes.
type fakeQueue struct {
	mu           sync.Mutex
	nextID       int64
	pending      []wire.Message
	claimErrs    int
	claims       []int
	deletes      []deleteCall
	deleteResult wire.DeleteResult
	deleteErr    error
}

func (f *fakeQueue) add(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.nextID++
		f.pending = append(f.pending, wire.Message{ID: f.nextID, Content: []byte(fmt.Sprint(f.nextID))})
	}
}

func (f *fakeQueue) Claim(ctx context.Context, queue string, maxCount int, visibility time.Duration) ([]wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, maxCount)
	if f.claimErrs > 0 {
		f.claimErrs--
		return nil, errors.New("connection refused")
	}
	n := min(maxCount, len(f.pending))
	out := make([]wire.Message, 0, n)
	for _, m := range f.pending[:n] {
		r := fmt.Sprintf("r-%d", m.ID)
		m.PopReceipt = &r
		out = append(out, m)
	}
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeQueue) Delete(ctx context.Context, queue string, id int64, receipt string) (wire.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{queue: queue, id: id, receipt: receipt})
	if f.deleteErr != nil {
		return wire.DeleteNotFound, f.deleteErr
	}
	if f.deleteResult != "" {
		return f.deleteResult, nil
	}
	return wire.DeleteOK, nil
}

func (f *fakeQueue) deleted() []deleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deleteCall(nil), f.deletes...)
}

func (f *fakeQueue) claimCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.claims...)
}

type diagSink struct {
	mu   sync.Mutex
	errs []error
}

func (d *diagSink) handle(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *diagSink) has(target error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (d *diagSink) find(fn func(error) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		if fn(err) {
			return true
		}
	}
	return false
}

func newManager(t *testing.T, q Queue) (*Manager, *diagSink) {
	t.Helper()
	sink := &diagSink{}
	m := New(q, WithDiagnosticHandler(sink.handle), WithClaimTimeout(time.Second))
	t.Cleanup(func() {
		m.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Wait(ctx)
	})
	return m, sink
}

func TestManager_RegisterValidation(t *testing.T) {
	m, _ := newManager(t, &fakeQueue{})
	ok := func(context.Context, Message) error { return nil }

	cases := []Task{
		{PollInterval: time.Second, Visibility: time.Second, MaxInstances: 1, Handler: ok},
		{Queue: "q", Visibility: time.Second, MaxInstances: 1, Handler: ok},
		{Queue: "q", PollInterval: time.Second, MaxInstances: 1, Handler: ok},
		{Queue: "q", PollInterval: time.Second, Visibility: time.Second, Handler: ok},
		{Queue: "q", PollInterval: time.Second, Visibility: time.Second, MaxInstances: 1},
	}
	for i, tc := range cases {
		assert.ErrorIs(t, m.Register(tc), ErrInvalidTask, "case %d", i)
	}

	valid := Task{Queue: "q", PollInterval: time.Second, Visibility: time.Second, MaxInstances: 1, Handler: ok}
	require.NoError(t, m.Register(valid))
	assert.ErrorIs(t, m.Register(valid), ErrDuplicateTask)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrStarted)
	valid.Queue = "other"
	assert.ErrorIs(t, m.Register(valid), ErrStarted)

	m.Stop()
	assert.ErrorIs(t, m.Start(), ErrStopped)
	assert.ErrorIs(t, m.Register(valid), ErrStopped)
}

func TestManager_DeletesOnSuccessOnly(t *testing.T) {
	q := &fakeQueue{}
	q.add(4)
	m, sink := newManager(t, q)

	var handled atomic.Int32
	require.NoError(t, m.Register(Task{
		Queue:        "q",
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		MaxInstances: 4,
		Handler: func(ctx context.Context, msg Message) error {
			defer handled.Add(1)
			assert.Equal(t, "q", msg.Queue)
			if msg.ID%2 == 0 {
				return errors.New("even ids fail")
			}
			return nil
		},
	}))
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return handled.Load() == 4 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(q.deleted()) == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.InFlight("q") == 0 }, time.Second, time.Millisecond)

	for _, d := range q.deleted() {
		assert.Equal(t, int64(1), d.id%2)
		assert.Equal(t, fmt.Sprintf("r-%d", d.id), d.receipt)
		assert.Equal(t, "q", d.queue)
	}
	assert.True(t, sink.find(func(err error) bool {
		var pe *ProcessingError
		return errors.As(err, &pe) && pe.Queue == "q"
	}))
}

func TestManager_PanicPolicy(t *testing.T) {
	for _, ack := range []bool{false, true} {
		t.Run(fmt.Sprintf("ack=%v", ack), func(t *testing.T) {
			q := &fakeQueue{}
			q.add(1)
			m, sink := newManager(t, q)

			var handled atomic.Int32
			require.NoError(t, m.Register(Task{
				Queue:        "q",
				PollInterval: 5 * time.Millisecond,
				Visibility:   time.Minute,
				MaxInstances: 1,
				AckOnPanic:   ack,
				Handler: func(ctx context.Context, msg Message) error {
					handled.Add(1)
					panic("handler bug")
				},
			}))
			require.NoError(t, m.Start())

			require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return m.InFlight("q") == 0 }, time.Second, time.Millisecond)
			require.Eventually(t, func() bool {
				return sink.find(func(err error) bool {
					var pe *PanicError
					return errors.As(err, &pe) && pe.Value == "handler bug"
				})
			}, time.Second, time.Millisecond)

			if ack {
				require.Eventually(t, func() bool { return len(q.deleted()) == 1 }, time.Second, time.Millisecond)
			} else {
				time.Sleep(20 * time.Millisecond)
				assert.Empty(t, q.deleted())
			}
		})
	}
}

func TestManager_ClaimFailureReleasesReservation(t *testing.T) {
	q := &fakeQueue{claimErrs: 2}
	q.add(3)
	m, sink := newManager(t, q)

	var handled atomic.Int32
	require.NoError(t, m.Register(Task{
		Queue:        "q",
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		MaxInstances: 3,
		Handler: func(ctx context.Context, msg Message) error {
			handled.Add(1)
			return nil
		},
	}))
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return handled.Load() == 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, sink.find(func(err error) bool {
		var ce *ClaimError
		return errors.As(err, &ce) && ce.Queue == "q"
	}))

	// The failed polls gave back the full reservation, so the third poll
	// could still ask for every slot.
	calls := q.claimCalls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []int{3, 3, 3}, calls[:3])
}

func TestManager_DeleteFailuresAreReported(t *testing.T) {
	q := &fakeQueue{deleteResult: wire.DeleteLostOwnership}
	q.add(1)
	m, sink := newManager(t, q)

	require.NoError(t, m.Register(Task{
		Queue:        "q",
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		MaxInstances: 1,
		Handler:      func(ctx context.Context, msg Message) error { return nil },
	}))
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return sink.has(ErrLostOwnership) }, 2*time.Second, time.Millisecond)
	assert.Len(t, q.deleted(), 1, "delete is not retried")
	assert.EqualValues(t, 0, m.InFlight("q"))
}

func TestManager_BackpressureBoundsInFlight(t *testing.T) {
	const n = 3
	q := &fakeQueue{}
	q.add(n + 5)
	m, _ := newManager(t, q)

	var (
		active, maxActive atomic.Int64
		handled           atomic.Int32
		overLimit         atomic.Bool
	)
	require.NoError(t, m.Register(Task{
		Queue:        "q",
		PollInterval: 2 * time.Millisecond,
		Visibility:   time.Minute,
		MaxInstances: n,
		Handler: func(ctx context.Context, msg Message) error {
			a := active.Add(1)
			defer active.Add(-1)
			for {
				cur := maxActive.Load()
				if a <= cur || maxActive.CompareAndSwap(cur, a) {
					break
				}
			}
			if m.InFlight("q") > n {
				overLimit.Store(true)
			}
			time.Sleep(10 * time.Millisecond)
			handled.Add(1)
			return nil
		},
	}))

	stop := make(chan struct{})
	sampled := make(chan int64)
	go func() {
		var peak int64
		for {
			select {
			case <-stop:
				sampled <- peak
				return
			default:
				if v := m.InFlight("q"); v > peak {
					peak = v
				}
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return len(q.deleted()) == n+5 }, 5*time.Second, time.Millisecond)
	close(stop)
	peak := <-sampled

	assert.EqualValues(t, n+5, handled.Load())
	assert.LessOrEqual(t, peak, int64(n))
	assert.LessOrEqual(t, maxActive.Load(), int64(n))
	assert.False(t, overLimit.Load())

	for _, c := range q.claimCalls() {
		assert.LessOrEqual(t, c, n)
		assert.Positive(t, c)
	}
}

func TestManager_StopLetsDispatchedWorkFinish(t *testing.T) {
	q := &fakeQueue{}
	q.add(1)
	m := New(q, WithDiagnosticHandler(func(error) {}))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, m.Register(Task{
		Queue:        "q",
		PollInterval: 5 * time.Millisecond,
		Visibility:   time.Minute,
		MaxInstances: 1,
		Handler: func(ctx context.Context, msg Message) error {
			close(started)
			<-release
			return ctx.Err()
		},
	}))
	require.NoError(t, m.Start())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	m.Stop()
	assert.False(t, m.Polling("q"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
	cancel()

	close(release)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))

	require.Len(t, q.deleted(), 1, "handler context is not cancelled by Stop")
}
