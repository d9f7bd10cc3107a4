package threadpool

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/aradilov/threadpool/alarm"
	"github.com/aradilov/threadpool/clock"
)

// DefaultTickInterval drives a wheel scheduler.
const DefaultTickInterval = time.Millisecond

type SystemOption func(*systemOptions)

type systemOptions struct {
	logger       logr.Logger
	wheel        bool
	tickInterval time.Duration
	clockOpts    []clock.Option
	alarmOpts    []alarm.Option
}

func WithSystemLogger(logger logr.Logger) SystemOption {
	return func(o *systemOptions) { o.logger = logger }
}

// WithWheel selects the hashed-wheel scheduler instead of the heap.
func WithWheel() SystemOption {
	return func(o *systemOptions) { o.wheel = true }
}

func WithTickInterval(d time.Duration) SystemOption {
	return func(o *systemOptions) { o.tickInterval = d }
}

func WithClockOptions(opts ...clock.Option) SystemOption {
	return func(o *systemOptions) { o.clockOpts = append(o.clockOpts, opts...) }
}

func WithAlarmOptions(opts ...alarm.Option) SystemOption {
	return func(o *systemOptions) { o.alarmOpts = append(o.alarmOpts, opts...) }
}

// System owns one clock, one pool and one scheduler wired to each other.
type System struct {
	Clock     *clock.Clock
	Pool      *Pool
	Scheduler alarm.Scheduler

	cancel context.CancelFunc
	tickCh chan error
}

// NewSystem builds and starts a clock, a pool sized by cfg and a scheduler executing on the pool.
func NewSystem(cfg Config, opts ...SystemOption) (*System, error) {
	o := systemOptions{
		logger:       logr.Discard(),
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	clk := clock.New(append([]clock.Option{clock.WithLogger(o.logger)}, o.clockOpts...)...)
	pool, err := New(cfg, WithLogger(o.logger), WithClock(clk))
	if err != nil {
		return nil, err
	}
	clk.Start()
	pool.Start()

	s := &System{Clock: clk, Pool: pool}
	alarmOpts := append([]alarm.Option{alarm.WithLogger(o.logger)}, o.alarmOpts...)
	if !o.wheel {
		s.Scheduler = alarm.NewHeapScheduler(pool, clk, alarmOpts...)
		return s, nil
	}

	wheel := alarm.NewWheelScheduler(pool, clk, alarmOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	s.Scheduler = wheel
	s.cancel = cancel
	s.tickCh = make(chan error, 1)
	go func() {
		s.tickCh <- wheel.Run(ctx, o.tickInterval)
	}()
	return s, nil
}

// Close stops the scheduler, the pool and the clock, in that order.
func (s *System) Close() error {
	var err error
	if s.cancel != nil {
		s.cancel()
		if runErr := <-s.tickCh; !errors.Is(runErr, context.Canceled) {
			err = runErr
		}
		s.cancel = nil
	}
	s.Scheduler.Close()
	s.Pool.Stop()
	s.Clock.Stop()
	return err
}
