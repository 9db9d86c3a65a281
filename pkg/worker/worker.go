// Package worker polls queues on a timer and feeds claimed messages to
// handlers, deleting each message once its handler succeeds.
//
// Every registered Task has an in-flight counter bounded by MaxInstances.
// A poll reserves all spare capacity before it claims, then gives back what
// the claim did not use, so overlapping polls can never over-commit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/pkg/timer"
	"github.com/aridsondez/leaseq/pkg/wire"
)

// Queue is the part of the queue API the worker needs. Both the HTTP
// client and the in-process service implement it.
type Queue interface {
	Claim(ctx context.Context, queue string, maxCount int, visibility time.Duration) ([]wire.Message, error)
	Delete(ctx context.Context, queue string, id int64, receipt string) (wire.DeleteResult, error)
}

// Message is a claimed message handed to a handler.
type Message struct {
	wire.Message
	Queue string
}

// HandlerFunc processes a message.
// Returning nil means success (message will be deleted).
// Returning an error means failure (message is redelivered once its
// visibility timeout elapses).
type HandlerFunc func(ctx context.Context, msg Message) error

// Task describes one queue to poll.
type Task struct {
	Queue        string
	PollInterval time.Duration
	// Visibility is the claim duration requested on every poll.
	Visibility   time.Duration
	MaxInstances int
	Handler      HandlerFunc
	// AckOnPanic deletes a message whose handler panicked. By default a
	// panic is treated like a returned error.
	AckOnPanic bool
}

func (t Task) validate() error {
	switch {
	case t.Queue == "":
		return fmt.Errorf("%w: queue is required", ErrInvalidTask)
	case t.PollInterval <= 0:
		return fmt.Errorf("%w: %s: poll interval must be positive", ErrInvalidTask, t.Queue)
	case t.Visibility <= 0:
		return fmt.Errorf("%w: %s: visibility must be positive", ErrInvalidTask, t.Queue)
	case t.MaxInstances <= 0:
		return fmt.Errorf("%w: %s: max instances must be positive", ErrInvalidTask, t.Queue)
	case t.Handler == nil:
		return fmt.Errorf("%w: %s: handler is required", ErrInvalidTask, t.Queue)
	}
	return nil
}

// task is a registered Task plus its runtime state.
type task struct {
	spec     Task
	inFlight atomic.Int64
	polling  atomic.Bool
	timer    *timer.SafeTimer
}

// job is what travels to the pool: copies, never the loop variables.
type job struct {
	t    *task
	spec Task
	msg  Message
}

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

const (
	DefaultClaimTimeout  = 30 * time.Second
	DefaultDeleteTimeout = 10 * time.Second
)

type Option func(*Manager)

// WithClaimTimeout bounds each claim round trip.
func WithClaimTimeout(d time.Duration) Option {
	return func(m *Manager) { m.claimTimeout = d }
}

// WithDeleteTimeout bounds each delete round trip.
func WithDeleteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.deleteTimeout = d }
}

// WithContext sets the parent of the context handlers receive. Its
// cancellation is not propagated; Stop never interrupts a handler.
func WithContext(ctx context.Context) Option {
	return func(m *Manager) { m.handlerCtx = context.WithoutCancel(ctx) }
}

// WithDiagnosticHandler is SetDiagnosticHandler as an option.
func WithDiagnosticHandler(fn func(error)) Option {
	return func(m *Manager) { m.SetDiagnosticHandler(fn) }
}

// Manager owns the tasks, their timers and the handler pool.
type Manager struct {
	q             Queue
	claimTimeout  time.Duration
	deleteTimeout time.Duration
	handlerCtx    context.Context
	diag          atomic.Pointer[func(error)]

	mu      sync.Mutex
	tasks   []*task
	byQueue map[string]*task
	state   atomic.Int32

	jobs    chan job
	workers sync.WaitGroup
}

func New(q Queue, opts ...Option) *Manager {
	m := &Manager{
		q:             q,
		claimTimeout:  DefaultClaimTimeout,
		deleteTimeout: DefaultDeleteTimeout,
		handlerCtx:    context.Background(),
		byQueue:       make(map[string]*task),
	}
	m.SetDiagnosticHandler(nil)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDiagnosticHandler routes every background error to fn. A nil fn
// restores the default, which logs through zerolog. fn must be safe for
// concurrent use.
func (m *Manager) SetDiagnosticHandler(fn func(error)) {
	if fn == nil {
		fn = logDiagnostic
	}
	m.diag.Store(&fn)
}

// Register adds a task. Tasks can only be added before Start.
func (m *Manager) Register(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Load() {
	case stateStarted:
		return ErrStarted
	case stateStopped:
		return ErrStopped
	}
	if _, ok := m.byQueue[t.Queue]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Queue)
	}
	rt := &task{spec: t}
	m.tasks = append(m.tasks, rt)
	m.byQueue[t.Queue] = rt
	log.Info().Str("queue", t.Queue).Int("max_instances", t.MaxInstances).Msg("registered task")
	return nil
}

// Start arms one poll timer per task and starts the handler pool.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(stateNew, stateStarted) {
		if m.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrStarted
	}

	// In-flight never exceeds the sum of MaxInstances, so with this much
	// buffer a poll never blocks on the send, and with this many workers
	// no claimed message waits for a free one.
	capacity := 0
	for _, t := range m.tasks {
		capacity += t.spec.MaxInstances
	}
	m.jobs = make(chan job, capacity)
	for i := 0; i < capacity; i++ {
		m.workers.Add(1)
		go m.work()
	}

	for _, t := range m.tasks {
		t.timer = timer.Start(t.spec.PollInterval, func(ctx context.Context) error {
			m.poll(ctx, t)
			return nil
		}, timer.Options{
			Name:    t.spec.Queue,
			OnError: m.timerError,
		})
	}
	log.Info().Int("tasks", len(m.tasks)).Int("workers", capacity).Msg("worker started")
	return nil
}

// Stop disarms every timer. Polls in progress are cancelled and give back
// their reservation; handlers already running are left to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.state.CompareAndSwap(stateStarted, stateStopped) {
		m.state.CompareAndSwap(stateNew, stateStopped)
		m.mu.Unlock()
		return
	}
	tasks := m.tasks
	m.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
	}
	// No poll is running any more, so nothing sends on jobs.
	close(m.jobs)
	log.Info().Msg("worker stopped")
}

// Wait blocks until every dispatched message has been handled. Call it
// after Stop.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight is the number of messages claimed for queue and not yet
// released, including slots reserved by a poll in progress.
func (m *Manager) InFlight(queue string) int64 {
	m.mu.Lock()
	t, ok := m.byQueue[queue]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return t.inFlight.Load()
}

// Polling reports whether a claim for queue is in progress.
func (m *Manager) Polling(queue string) bool {
	m.mu.Lock()
	t, ok := m.byQueue[queue]
	m.mu.Unlock()
	return ok && t.polling.Load()
}

func (m *Manager) poll(ctx context.Context, t *task) {
	if !t.polling.CompareAndSwap(false, true) {
		return
	}
	defer t.polling.Store(false)

	spare := int64(t.spec.MaxInstances) - t.inFlight.Load()
	if spare <= 0 {
		return
	}
	t.inFlight.Add(spare)
	m.gauge(t)

	claimCtx, cancel := context.WithTimeout(ctx, m.claimTimeout)
	msgs, err := m.q.Claim(claimCtx, t.spec.Queue, int(spare), t.spec.Visibility)
	cancel()
	if err != nil {
		t.inFlight.Add(-spare)
		m.gauge(t)
		// Cancelled by Stop; nothing to report.
		if ctx.Err() == nil {
			m.report(&ClaimError{Queue: t.spec.Queue, Err: err})
		}
		return
	}

	if int64(len(msgs)) > spare {
		m.report(&ClaimError{
			Queue: t.spec.Queue,
			Err:   fmt.Errorf("asked for %d messages, got %d", spare, len(msgs)),
		})
		msgs = msgs[:spare]
	}
	if short := spare - int64(len(msgs)); short > 0 {
		t.inFlight.Add(-short)
		m.gauge(t)
	}

	for _, msg := range msgs {
		m.jobs <- job{t: t, spec: t.spec, msg: Message{Message: msg, Queue: t.spec.Queue}}
	}
	if len(msgs) > 0 {
		log.Debug().Str("queue", t.spec.Queue).Int("count", len(msgs)).Msg("dispatched messages")
	}
}

func (m *Manager) work() {
	defer m.workers.Done()
	for j := range m.jobs {
		m.process(j)
	}
}

type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeFailure outcome = "failure"
	outcomePanic   outcome = "panic"
)

func (m *Manager) process(j job) {
	out := m.invoke(j)

	j.t.inFlight.Add(-1)
	m.gauge(j.t)
	metrics.WorkerProcessed.WithLabelValues(j.msg.Queue, string(out)).Inc()

	if out == outcomeFailure || (out == outcomePanic && !j.spec.AckOnPanic) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.deleteTimeout)
	defer cancel()

	res, err := m.q.Delete(ctx, j.msg.Queue, j.msg.ID, j.msg.Receipt())
	switch {
	case err != nil:
		m.report(&DeleteError{Queue: j.msg.Queue, MessageID: j.msg.ID, Err: err})
	case res == wire.DeleteLostOwnership:
		m.report(&DeleteError{Queue: j.msg.Queue, MessageID: j.msg.ID, Err: ErrLostOwnership})
	case res == wire.DeleteNotFound:
		m.report(&DeleteError{Queue: j.msg.Queue, MessageID: j.msg.ID, Err: ErrNotFound})
	}
}

func (m *Manager) invoke(j job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.report(&PanicError{
				Queue:     j.msg.Queue,
				MessageID: j.msg.ID,
				Value:     r,
				Stack:     debug.Stack(),
			})
			out = outcomePanic
		}
	}()

	if err := j.spec.Handler(m.handlerCtx, j.msg); err != nil {
		m.report(&ProcessingError{Queue: j.msg.Queue, MessageID: j.msg.ID, Err: err})
		return outcomeFailure
	}
	return outcomeSuccess
}

func (m *Manager) timerError(err error) {
	var oe *timer.OverlapError
	if errors.As(err, &oe) {
		metrics.TimerOverlaps.WithLabelValues(oe.Name).Inc()
	}
	m.report(err)
}

// report hands err to the diagnostic handler. A panicking handler is
// logged and otherwise ignored.
func (m *Manager) report(err error) {
	metrics.WorkerDiagnostics.Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Err(err).Msg("diagnostic handler panicked")
		}
	}()
	(*m.diag.Load())(err)
}

func (m *Manager) gauge(t *task) {
	metrics.WorkerInFlight.WithLabelValues(t.spec.Queue).Set(float64(t.inFlight.Load()))
}

func logDiagnostic(err error) {
	var oe *timer.OverlapError
	if errors.As(err, &oe) {
		log.Warn().Err(err).Str("queue", oe.Name).Int64("skipped", oe.Skipped).Msg("poll overlap")
		return
	}
	log.Error().Err(err).Msg("worker error")
}
