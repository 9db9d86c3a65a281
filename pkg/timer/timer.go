// Package timer provides SafeTimer, a periodic trigger that never runs two
// invocations of its callback at the same time.
package timer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Func is the periodic callback. The context is cancelled by Stop.
type Func func(ctx context.Context) error

// OverlapError reports a tick that was skipped because the previous
// invocation was still running.
type OverlapError struct {
	Name    string
	Period  time.Duration
	Skipped int64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("timer %s: overlap, previous run exceeded %s period (%d skipped)", e.Name, e.Period, e.Skipped)
}

// PanicError wraps a value recovered from the callback.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("timer %s: callback panic: %v", e.Name, e.Value)
}

// Options tune a SafeTimer.
type Options struct {
	// Name labels diagnostics.
	Name string
	// OnError receives callback errors, recovered panics and overlaps.
	// It must be safe for concurrent use.
	OnError func(error)
}

type SafeTimer struct {
	name    string
	period  time.Duration
	fn      Func
	onError func(error)

	running  atomic.Bool
	overlaps atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Start begins firing fn every period, first after one period has elapsed.
func Start(period time.Duration, fn Func, opts Options) *SafeTimer {
	if period <= 0 {
		panic("timer: non-positive period")
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &SafeTimer{
		name:    opts.Name,
		period:  period,
		fn:      fn,
		onError: opts.OnError,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *SafeTimer) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.fire()
		}
	}
}

func (t *SafeTimer) fire() {
	if !t.running.CompareAndSwap(false, true) {
		n := t.overlaps.Add(1)
		t.onError(&OverlapError{Name: t.name, Period: t.period, Skipped: n})
		return
	}
	// Runs off the ticker goroutine so later ticks are still observed
	// (and counted) while this one is busy.
	t.wg.Add(1)
	go t.run()
}

func (t *SafeTimer) run() {
	defer t.wg.Done()
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			t.onError(&PanicError{Name: t.name, Value: r, Stack: debug.Stack()})
		}
	}()

	if err := t.fn(t.ctx); err != nil {
		t.onError(fmt.Errorf("timer %s: %w", t.name, err))
	}
}

// Busy reports whether the callback is executing right now.
func (t *SafeTimer) Busy() bool {
	return t.running.Load()
}

// Overlaps is the number of ticks skipped so far.
func (t *SafeTimer) Overlaps() int64 {
	return t.overlaps.Load()
}

// Stop stops future ticks, cancels the callback context and waits for a
// running callback to return. It is safe to call more than once.
func (t *SafeTimer) Stop() {
	t.once.Do(func() {
		close(t.stop)
		t.cancel()
	})
	t.wg.Wait()
}
