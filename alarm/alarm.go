// Package alarm schedules callbacks at millisecond wake times and hands them to an executor.
//
// Two schedulers implement the same interface: HeapScheduler keeps a global min-heap serviced by
// its own coordinator goroutine, WheelScheduler keeps a hashed timing wheel advanced by an
// external Tick. A fired alarm is unscheduled and may be queued again from its listener.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/aradilov/threadpool/clock"
	"github.com/aradilov/threadpool/internal/logging"
)

const (
	// DefaultSlowThreshold is how late an alarm may fire before it is reported.
	DefaultSlowThreshold = 10 * time.Second
	// StressSlowThreshold is the threshold used by stress runs.
	StressSlowThreshold = 100 * time.Millisecond
)

var (
	ErrRejected = errors.New("alarm: executor rejected task")
	ErrClosed   = errors.New("alarm: scheduler closed")
)

// Listener receives fired alarms.
type Listener interface {
	HandleAlarm(ctx context.Context, a *Alarm)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, a *Alarm)

func (f ListenerFunc) HandleAlarm(ctx context.Context, a *Alarm) {
	f(ctx, a)
}

// Executor runs fired listeners. The thread pool satisfies it.
type Executor interface {
	Schedule(task func()) bool
	SchedulePriority(task func())
}

// Scheduler is implemented by HeapScheduler and WheelScheduler.
type Scheduler interface {
	// Queue schedules a to fire after delay and reports whether it became the earliest alarm.
	Queue(a *Alarm, delay time.Duration) bool
	// QueueAt schedules a to fire at the given time in milliseconds since the Unix epoch.
	QueueAt(a *Alarm, at int64) bool
	// Dequeue cancels a. It reports false if a was not queued.
	Dequeue(a *Alarm) bool
	// NextAlarmTime returns the earliest wake time, or 0 when nothing is queued.
	NextAlarmTime() int64
	Len() int
	Stats() Stats
	Close()
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Queued    int64
	Fired     uint64
	Cancelled uint64
	Slow      uint64
	Rejected  uint64
	InFlight  int64
	Spilled   uint64
}

// linker is the scheduler-side half of an alarm's linkage. unlink is called with a.mu held.
type linker interface {
	unlink(a *Alarm) bool
}

type AlarmOption func(*Alarm)

// WithPriority sends the alarm to the executor's priority lane.
func WithPriority() AlarmOption {
	return func(a *Alarm) { a.priority = true }
}

// Alarm is a reusable schedule entry. It is linked into at most one scheduler at a time.
type Alarm struct {
	id       string
	name     string
	listener Listener
	ctx      context.Context
	priority bool

	// 0 means unscheduled; clearing it with a CAS claims the right to fire
	wakeTime atomic.Int64

	mu     sync.Mutex
	owner  linker
	wheel  wheelLink
	heapAt int // index in HeapScheduler.heap, guarded by the heap mutex
}

// NewAlarm creates an unscheduled alarm. ctx is the scope restored around every listener call.
func NewAlarm(ctx context.Context, name string, l Listener, opts ...AlarmOption) *Alarm {
	if ctx == nil {
		ctx = context.Background()
	}
	a := &Alarm{
		id:       name,
		name:     name,
		listener: l,
		ctx:      ctx,
	}
	if a.id == "" {
		a.id = uuid.NewString()
		a.name = "alarm-" + a.id[:8]
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Alarm) ID() string { return a.id }

func (a *Alarm) Name() string { return a.name }

func (a *Alarm) IsPriority() bool { return a.priority }

// WakeTime returns the scheduled time in milliseconds, or 0 when unscheduled.
func (a *Alarm) WakeTime() int64 { return a.wakeTime.Load() }

func (a *Alarm) IsQueued() bool { return a.wakeTime.Load() != 0 }

func (a *Alarm) String() string {
	return fmt.Sprintf("Alarm[%s wake=%d]", a.name, a.wakeTime.Load())
}

// Schedule creates an alarm running fn after delay.
func Schedule(s Scheduler, ctx context.Context, fn func(ctx context.Context), delay time.Duration, priority bool) *Alarm {
	a := newFuncAlarm(ctx, fn, priority)
	s.Queue(a, delay)
	return a
}

// ScheduleAt creates an alarm running fn at the given time in milliseconds.
func ScheduleAt(s Scheduler, ctx context.Context, fn func(ctx context.Context), at int64, priority bool) *Alarm {
	a := newFuncAlarm(ctx, fn, priority)
	s.QueueAt(a, at)
	return a
}

// Cancel dequeues a. Cancelling an alarm that already fired has no effect.
func Cancel(s Scheduler, a *Alarm) bool {
	if a == nil {
		return false
	}
	return s.Dequeue(a)
}

func newFuncAlarm(ctx context.Context, fn func(ctx context.Context), priority bool) *Alarm {
	var opts []AlarmOption
	if priority {
		opts = append(opts, WithPriority())
	}
	return NewAlarm(ctx, "", ListenerFunc(func(ctx context.Context, _ *Alarm) { fn(ctx) }), opts...)
}

type Option func(*options)

type options struct {
	logger        logr.Logger
	slowThreshold time.Duration
	wheelLength   int
	slabCapacity  int
}

func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSlowThreshold sets the lateness above which fired alarms are logged.
func WithSlowThreshold(d time.Duration) Option {
	return func(o *options) { o.slowThreshold = d }
}

func newOptions(opts []Option) options {
	o := options{
		logger:        logr.Discard(),
		slowThreshold: DefaultSlowThreshold,
		wheelLength:   DefaultWheelLength,
		slabCapacity:  DefaultSlabCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// dispatcher holds what both schedulers share: the executor, clock and counters.
type dispatcher struct {
	exec   Executor
	clk    *clock.Clock
	logger logr.Logger
	slowMs int64

	queued    atomic.Int64
	fired     atomic.Uint64
	cancelled atomic.Uint64
	slow      atomic.Uint64
	rejected  atomic.Uint64
	inFlight  atomic.Int64
	spilled   atomic.Uint64
}

func (d *dispatcher) init(exec Executor, clk *clock.Clock, o options, name string) {
	if clk == nil {
		clk = clock.New()
	}
	d.exec = exec
	d.clk = clk
	d.logger = o.logger.WithName(name)
	d.slowMs = o.slowThreshold.Milliseconds()
}

func (d *dispatcher) stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Fired:     d.fired.Load(),
		Cancelled: d.cancelled.Load(),
		Slow:      d.slow.Load(),
		Rejected:  d.rejected.Load(),
		InFlight:  d.inFlight.Load(),
		Spilled:   d.spilled.Load(),
	}
}

// fire claims a for wake and hands it to the executor. It is a no-op when the alarm was
// cancelled or rescheduled since wake was read.
func (d *dispatcher) fire(a *Alarm, wake, now int64) bool {
	if !d.claim(a, wake) {
		return false
	}
	return d.handOff(a, wake, now)
}

func (d *dispatcher) claim(a *Alarm, wake int64) bool {
	if !a.wakeTime.CompareAndSwap(wake, 0) {
		return false
	}
	d.queued.Add(-1)
	return true
}

func (d *dispatcher) handOff(a *Alarm, wake, now int64) bool {
	d.fired.Add(1)

	if late := now - wake; d.slowMs > 0 && late > d.slowMs {
		d.slow.Add(1)
		d.logger.Info("slow alarm", "alarm", a.name, "wake", wake, "lateMs", late)
	}

	d.inFlight.Add(1)
	run := func() { d.invoke(a) }
	if a.priority {
		d.exec.SchedulePriority(run)
		return true
	}
	if !d.exec.Schedule(run) {
		d.inFlight.Add(-1)
		d.rejected.Add(1)
		d.logger.Error(ErrRejected, "alarm dropped", "alarm", a.name)
		return false
	}
	return true
}

func (d *dispatcher) invoke(a *Alarm) {
	defer d.inFlight.Add(-1)
	logger, err := logr.FromContext(a.ctx)
	if err != nil {
		logger = d.logger
	}
	logger = logger.WithValues("alarm", a.name)
	ctx := logr.NewContext(a.ctx, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("%v", r), "alarm listener panicked")
		}
	}()
	logger.V(logging.TRACE).Info("alarm fired")
	a.listener.HandleAlarm(ctx, a)
}

func (d *dispatcher) at(delay time.Duration) int64 {
	return d.clk.Now() + delay.Milliseconds()
}
