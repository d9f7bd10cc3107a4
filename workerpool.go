// Package threadpool is an elastic goroutine pool with a priority reserve.
//
// Tasks are admitted under one lock per pool: an idle worker takes the task directly, otherwise
// it waits on the priority or the normal queue while a launcher starts more workers. Normal tasks
// start only while fewer than ThreadMax-PriorityIdleMin tasks run, which keeps capacity for
// priority work. Priority work that cannot get a worker at all runs on an overflow goroutine.
package threadpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/aradilov/threadpool/clock"
	"github.com/aradilov/threadpool/freering"
	"github.com/aradilov/threadpool/internal/logging"
	"github.com/aradilov/threadpool/taskworker"
)

var (
	ErrTimeout       = errors.New("timeout")
	ErrNoFreeWorkers = errors.New("no free workers")
	ErrStopped       = errors.New("pool stopped")
	ErrTaskPanic     = errors.New("task panicked")
)

// Stats is a snapshot of pool occupancy and totals.
type Stats struct {
	Threads  int
	Active   int
	Starting int
	Idle     int
	// Waiting counts callers blocked in StartTask and friends.
	Waiting int

	PriorityQueue int
	TaskQueue     int

	ExecutorRunning int
	ExecutorQueued  int

	Created       uint64
	Overflow      uint64
	Submitted     uint64
	NoFreeWorkers uint64
	Timeout       uint64
}

type Option func(*Pool)

func WithLogger(logger logr.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithClock sets the clock used for idle bookkeeping.
func WithClock(clk *clock.Clock) Option {
	return func(p *Pool) { p.clk = clk }
}

func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// Pool is an elastic goroutine pool. Create it with New, then Start it.
type Pool struct {
	// WorkerFunc runs every task and may wrap it. The default calls the task and returns nil.
	WorkerFunc func(task func()) error
	// LogAllErrors logs every error returned by WorkerFunc. Panics are always logged.
	LogAllErrors bool

	name   string
	logger logr.Logger
	clk    *clock.Clock

	mu        sync.Mutex
	cfg       Config
	idle      []*worker // stack; the bottom has been idle longest
	priorityQ taskQueue
	taskQ     taskQueue
	threads   int
	active    int
	starting  int
	started   bool
	stopped   bool

	waiting atomic.Int32

	execMax     atomic.Int64
	execMu      sync.Mutex
	execRunning int
	execQueued  int
	execHead    *execItem
	execTail    *execItem

	submitted     atomic.Uint64
	created       atomic.Uint64
	overflowCount atomic.Uint64
	noFreeWorkers atomic.Uint64
	timeout       atomic.Uint64

	launcher    *taskworker.Worker
	throttle    *rate.Limiter
	refill      *rate.Limiter
	overflowLog *rate.Limiter

	workers *freering.Ring[worker]
	timers  timerPool
	stopCh  chan struct{}
}

type worker struct {
	ch      chan *workTask
	lastUse int64 // millis; guarded by Pool.mu while the worker is idle
}

// New validates cfg and returns a pool that is not started yet.
func New(cfg Config, opts ...Option) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		WorkerFunc: func(task func()) error {
			task()
			return nil
		},
		LogAllErrors: true,
		name:         "threadpool",
		logger:       logr.Discard(),
		cfg:          cfg,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	p.logger = p.logger.WithName(p.name)
	p.execMax.Store(int64(cfg.ExecutorTaskMax))

	p.throttle = rate.NewLimiter(rate.Every(cfg.ThrottlePeriod/time.Duration(cfg.ThrottleLimit)), cfg.ThrottleLimit)
	p.refill = rate.NewLimiter(rate.Every(cfg.OverflowWindow), 1)
	p.overflowLog = rate.NewLimiter(rate.Every(time.Second), 1)
	p.workers = freering.New[worker](cfg.IdleMax + 1)
	p.launcher = taskworker.New(p.launch,
		taskworker.WithPermanent(),
		taskworker.WithLogger(p.logger),
		taskworker.WithName("launcher"))
	return p, nil
}

// Start launches the idle reaper and the initial idle workers.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		panic("BUG: Pool already started")
	}
	p.started = true
	p.mu.Unlock()

	stopCh := p.stopCh
	go func() {
		t := time.NewTimer(p.idleTimeout())
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
				p.clean()
				t.Reset(p.idleTimeout())
			}
		}
	}()

	p.launcher.Wake()
	p.logger.V(logging.VERBOSE).Info("pool started", "config", p.Config())
}

// Stop parks no more workers: idle workers exit, busy workers exit after their task, and queued
// tasks are dropped. Blocked submitters return ErrStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		panic("BUG: Pool wasn't started")
	}
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	idle := p.idle
	p.idle = nil
	p.threads -= len(idle)
	dropped := p.priorityQ.clear() + p.taskQ.clear()
	p.mu.Unlock()

	close(p.stopCh)
	p.launcher.Close()
	for _, w := range idle {
		w.ch <- nil
	}
	if dropped > 0 {
		p.logger.Info("pool stopped with queued tasks", "dropped", dropped)
	}
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Threads:       p.threads,
		Active:        p.active,
		Starting:      p.starting,
		Idle:          len(p.idle),
		PriorityQueue: p.priorityQ.len(),
		TaskQueue:     p.taskQ.len(),
	}
	p.mu.Unlock()

	p.execMu.Lock()
	st.ExecutorRunning = p.execRunning
	st.ExecutorQueued = p.execQueued
	p.execMu.Unlock()

	st.Waiting = int(p.waiting.Load())
	st.Created = p.created.Load()
	st.Overflow = p.overflowCount.Load()
	st.Submitted = p.submitted.Load()
	st.NoFreeWorkers = p.noFreeWorkers.Load()
	st.Timeout = p.timeout.Load()
	return st
}

// Config returns the live configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pool) String() string {
	st := p.Stats()
	return fmt.Sprintf("Pool[%s threads=%d active=%d idle=%d starting=%d]", p.name, st.Threads, st.Active, st.Idle, st.Starting)
}

// workerFunc is the loop of one worker: run queued work, else park on the idle stack until a
// task or a nil stop signal arrives.
func (p *Pool) workerFunc(w *worker) {
	p.mu.Lock()
	p.starting--
	for {
		task := p.nextTask()
		if task == nil {
			if p.stopped || len(p.idle) >= p.cfg.IdleMax {
				p.threads--
				p.mu.Unlock()
				p.workers.Free(w)
				return
			}
			w.lastUse = p.clk.ActualNow()
			p.idle = append(p.idle, w)
			p.mu.Unlock()

			if task = <-w.ch; task == nil {
				p.workers.Free(w)
				return
			}
		} else {
			p.mu.Unlock()
		}

		p.execute(task)

		p.mu.Lock()
		p.active--
	}
}

// nextTask pops the next runnable task and counts it active. Called with p.mu held.
func (p *Pool) nextTask() *workTask {
	if p.stopped {
		return nil
	}
	if t := p.priorityQ.pop(); t != nil {
		p.active++
		return t
	}
	if p.taskQ.len() > 0 && p.canStart(false) {
		p.active++
		return p.taskQ.pop()
	}
	return nil
}

// canStart applies the priority reserve. Called with p.mu held.
func (p *Pool) canStart(priority bool) bool {
	if priority {
		return p.active < p.cfg.ThreadMax
	}
	return p.active < p.cfg.ThreadMax-p.cfg.PriorityIdleMin
}

func (p *Pool) execute(t *workTask) {
	if !t.status.CompareAndSwap(StatusQueued, StatusProgress) {
		// withdrawn by its submitter
		releaseTask(t)
		return
	}
	if t.notify {
		select {
		case t.started <- struct{}{}:
		default:
		}
	}

	err := p.call(t.cb)

	if t.wait {
		select {
		case t.done <- err:
		default:
		}
		finish(t)
	} else {
		releaseTask(t)
	}

	if err != nil && (p.LogAllErrors || errors.Is(err, ErrTaskPanic)) {
		p.logger.Error(err, "worker error")
	}
}

func (p *Pool) call(cb func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return p.WorkerFunc(cb)
}

// clean stops workers that stayed idle longer than IdleTimeout, keeping IdleMin of them.
func (p *Pool) clean() {
	now := p.clk.ActualNow()

	p.mu.Lock()
	maxIdle := p.cfg.IdleTimeout.Milliseconds()
	n := 0
	for n < len(p.idle)-p.cfg.IdleMin && now-p.idle[n].lastUse > maxIdle {
		n++
	}
	stale := make([]*worker, n)
	copy(stale, p.idle[:n])
	if n > 0 {
		rest := copy(p.idle, p.idle[n:])
		clear(p.idle[rest:])
		p.idle = p.idle[:rest]
		p.threads -= n
	}
	p.mu.Unlock()

	for _, w := range stale {
		w.ch <- nil
	}
	if n > 0 {
		p.logger.V(logging.DEBUG).Info("stopped idle workers", "count", n)
	}
}

func (p *Pool) idleTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.IdleTimeout
}

// newWorker reuses a worker left by an exited goroutine when one is pooled.
func (p *Pool) newWorker() *worker {
	if w := p.workers.Allocate(); w != nil {
		w.lastUse = 0
		return w
	}
	return &worker{ch: make(chan *workTask, 1)}
}

// taskQueue is an unbounded FIFO of tasks. Guarded by Pool.mu.
type taskQueue struct {
	items []*workTask
	head  int
}

func (q *taskQueue) push(t *workTask) {
	q.items = append(q.items, t)
}

func (q *taskQueue) pop() *workTask {
	if q.head == len(q.items) {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 1024 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return t
}

func (q *taskQueue) len() int {
	return len(q.items) - q.head
}

// clear drops every task and returns how many there were.
func (q *taskQueue) clear() int {
	n := q.len()
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return n
}
