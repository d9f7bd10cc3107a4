// Package taskworker coalesces wake-up signals into single activations of a task body.
//
// Wake marks work as pending and makes sure exactly one goroutine runs the body. Wakes that
// arrive while the body runs collapse into a single re-run after it returns. When no work is
// pending the goroutine parks for IdleTimeout and then gives itself back to the executor.
package taskworker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/aradilov/threadpool/internal/logging"
)

const DefaultIdleTimeout = time.Second

const (
	stateIdle int32 = iota
	stateScheduled
	stateClosed
)

// Executor runs the worker loop. The thread pool satisfies it.
type Executor interface {
	Schedule(task func()) bool
}

// GoExecutor starts a new goroutine for every task.
type GoExecutor struct{}

func (GoExecutor) Schedule(task func()) bool {
	go task()
	return true
}

type Option func(*Worker)

func WithExecutor(exec Executor) Option {
	return func(w *Worker) { w.exec = exec }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(w *Worker) { w.idleTimeout = d }
}

// WithPermanent keeps the goroutine parked until Close instead of exiting after IdleTimeout.
func WithPermanent() Option {
	return func(w *Worker) { w.permanent = true }
}

func WithLogger(logger logr.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithName(name string) Option {
	return func(w *Worker) { w.name = name }
}

// Worker runs its task body at most once at a time.
type Worker struct {
	name        string
	task        func(ctx context.Context)
	exec        Executor
	idleTimeout time.Duration
	permanent   bool
	logger      logr.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pending atomic.Bool
	state   atomic.Int32
	wakeCh  chan struct{}

	runs atomic.Uint64
}

// New returns an idle worker. The body receives a context that is cancelled by Close.
func New(task func(ctx context.Context), opts ...Option) *Worker {
	w := &Worker{
		name:        "task-worker",
		task:        task,
		exec:        GoExecutor{},
		idleTimeout: DefaultIdleTimeout,
		logger:      logr.Discard(),
		wakeCh:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.idleTimeout <= 0 {
		w.idleTimeout = DefaultIdleTimeout
	}
	w.logger = w.logger.WithName(w.name)
	w.ctx, w.cancel = context.WithCancel(logr.NewContext(context.Background(), w.logger))
	return w
}

// Wake requests a run of the task body.
func (w *Worker) Wake() {
	if w.pending.Load() {
		return
	}
	if w.pending.Swap(true) {
		return
	}
	if w.state.CompareAndSwap(stateIdle, stateScheduled) {
		w.submit()
		return
	}
	w.unpark()
}

// Close stops the worker. A running body finishes; no further runs start.
func (w *Worker) Close() {
	w.state.Store(stateClosed)
	w.cancel()
	w.unpark()
}

// IsActive reports whether a goroutine currently owns the worker loop.
func (w *Worker) IsActive() bool {
	return w.state.Load() == stateScheduled
}

// Runs returns how many times the body has been invoked.
func (w *Worker) Runs() uint64 {
	return w.runs.Load()
}

func (w *Worker) submit() {
	if !w.exec.Schedule(w.run) {
		w.logger.V(logging.DEBUG).Info("executor rejected worker, starting goroutine")
		go w.run()
	}
}

func (w *Worker) unpark() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	for {
		for w.pending.Swap(false) {
			if w.state.Load() == stateClosed {
				return
			}
			w.invoke()
		}
		if w.state.Load() == stateClosed {
			return
		}
		if w.park() {
			continue
		}

		if !w.state.CompareAndSwap(stateScheduled, stateIdle) {
			return
		}
		// a Wake that saw stateScheduled only unparked us; take the work back
		if w.pending.Load() && w.state.CompareAndSwap(stateIdle, stateScheduled) {
			w.submit()
		}
		return
	}
}

// park waits for Wake and reports whether it was woken.
func (w *Worker) park() bool {
	if w.permanent {
		select {
		case <-w.wakeCh:
			return true
		case <-w.ctx.Done():
			return false
		}
	}
	t := time.NewTimer(w.idleTimeout)
	defer t.Stop()
	select {
	case <-w.wakeCh:
		return true
	case <-t.C:
		return false
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) invoke() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(fmt.Errorf("%v", r), "task worker body panicked")
		}
	}()
	w.runs.Add(1)
	w.task(w.ctx)
}
