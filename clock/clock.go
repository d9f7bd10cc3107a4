// Package clock provides a cached, low overhead millisecond clock.
//
// A background goroutine refreshes the cached value every FastInterval while readers keep touching
// it, and backs off to SlowInterval after IdleCycles refreshes without a read. While the clock is
// slow, Now reads the source directly and asks the refresher to return to fast mode.
//
// Freeze pins the clock to a fixed value for deterministic tests. NowNanos stays independent of the
// millisecond value in both modes, the same way a platform monotonic clock is unrelated to the wall
// clock.
package clock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	kclock "k8s.io/utils/clock"
)

const (
	DefaultFastInterval = 5 * time.Millisecond
	DefaultSlowInterval = time.Second
	DefaultIdleCycles   = 10

	// frozenNanoShift keeps frozen nanos away from frozen millis * 1e6.
	frozenNanoShift = 10_000_000

	// nanoOrigin is the arbitrary origin of NowNanos.
	nanoOrigin = int64(1) << 42
)

// Option configures a Clock.
type Option func(*Clock)

// WithSource replaces the wall clock, mostly for tests.
func WithSource(src kclock.PassiveClock) Option {
	return func(c *Clock) { c.source = src }
}

func WithLogger(logger logr.Logger) Option {
	return func(c *Clock) { c.logger = logger }
}

func WithFastInterval(d time.Duration) Option {
	return func(c *Clock) { c.fastInterval = d }
}

func WithSlowInterval(d time.Duration) Option {
	return func(c *Clock) { c.slowInterval = d }
}

func WithIdleCycles(n int) Option {
	return func(c *Clock) { c.idleCycles = n }
}

// Clock is a cached millisecond clock. The zero value is not usable; use New.
type Clock struct {
	source kclock.PassiveClock
	logger logr.Logger
	epoch  time.Time

	fastInterval time.Duration
	slowInterval time.Duration
	idleCycles   int

	current   atomic.Int64
	used      atomic.Bool
	fastReq   atomic.Bool
	slow      atomic.Bool
	frozen    atomic.Bool
	frozenAt  atomic.Int64
	nanoDelta atomic.Int64
	running   atomic.Bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu        sync.Mutex
	listeners []func(now int64)
}

// New returns a Clock. The cache is filled immediately; call Start to launch the refresher.
// Without a refresher every Now call reads the source.
func New(opts ...Option) *Clock {
	c := &Clock{
		source:       kclock.RealClock{},
		logger:       logr.Discard(),
		fastInterval: DefaultFastInterval,
		slowInterval: DefaultSlowInterval,
		idleCycles:   DefaultIdleCycles,
		wakeCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fastInterval <= 0 {
		c.fastInterval = DefaultFastInterval
	}
	if c.slowInterval < c.fastInterval {
		c.slowInterval = c.fastInterval
	}
	if c.idleCycles <= 0 {
		c.idleCycles = DefaultIdleCycles
	}
	c.epoch = c.source.Now()
	c.current.Store(c.epoch.UnixMilli())
	return c
}

// Start launches the refresh goroutine.
func (c *Clock) Start() {
	if !c.running.CompareAndSwap(false, true) {
		panic("BUG: Clock already started")
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
}

// Stop terminates the refresh goroutine and waits for it.
func (c *Clock) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// Now returns the cached time in milliseconds since the Unix epoch.
func (c *Clock) Now() int64 {
	if c.frozen.Load() {
		return c.frozenAt.Load()
	}
	if !c.running.Load() {
		return c.read()
	}
	// slow is checked first: a used flag set while the refresher backs off must not pin the cache
	if c.slow.Load() {
		c.requestFast()
		return c.read()
	}
	// only the first reader after a refresh pays for the store
	if !c.used.Load() {
		c.used.Store(true)
	}
	return c.current.Load()
}

// ExactNow bypasses the cache. A frozen clock still returns the frozen value.
func (c *Clock) ExactNow() int64 {
	if c.frozen.Load() {
		return c.frozenAt.Load()
	}
	return c.read()
}

// ActualNow returns the real wall time even when the clock is frozen. Deadlines that must elapse
// in real time, such as pool admission waits, use it.
func (c *Clock) ActualNow() int64 {
	if c.frozen.Load() {
		return c.read()
	}
	return c.Now()
}

// NowNanos returns a monotonic nanosecond value with an arbitrary origin.
func (c *Clock) NowNanos() int64 {
	if c.frozen.Load() {
		return (c.frozenAt.Load()-frozenNanoShift)*int64(time.Millisecond) + c.nanoDelta.Load()
	}
	return nanoOrigin + int64(c.source.Since(c.epoch))
}

// Freeze pins Now and ExactNow to atMillis and stops the refresher from advancing the cache.
// Registered listeners run synchronously with the new time, so schedulers can fire anything
// that became due.
func (c *Clock) Freeze(atMillis int64) {
	c.frozenAt.Store(atMillis)
	c.frozen.Store(true)
	c.current.Store(atMillis)

	c.mu.Lock()
	listeners := append([]func(int64){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		c.notify(fn, atMillis)
	}
}

// Unfreeze returns the clock to the wall time source.
func (c *Clock) Unfreeze() {
	c.frozen.Store(false)
	c.current.Store(c.read())
	c.requestFast()
}

func (c *Clock) IsFrozen() bool {
	return c.frozen.Load()
}

// SetNanoDelta shifts NowNanos while frozen.
func (c *Clock) SetNanoDelta(delta int64) {
	c.nanoDelta.Store(delta)
}

// Listen registers fn to be called by Freeze.
func (c *Clock) Listen(fn func(now int64)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// IsSlow reports whether the refresher backed off to SlowInterval.
func (c *Clock) IsSlow() bool {
	return c.slow.Load()
}

func (c *Clock) notify(fn func(int64), now int64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Errorf("%v", r), "clock listener panicked", "now", now)
		}
	}()
	fn(now)
}

func (c *Clock) read() int64 {
	return c.source.Now().UnixMilli()
}

func (c *Clock) requestFast() {
	c.fastReq.Store(true)
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Clock) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	idle := 0
	t := time.NewTimer(c.fastInterval)
	defer t.Stop()

	for {
		t.Reset(c.refresh(&idle))
		select {
		case <-stopCh:
			return
		case <-c.wakeCh:
		case <-t.C:
		}
	}
}

// refresh updates the cache and returns how long to sleep. It never panics.
func (c *Clock) refresh(idle *int) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Errorf("%v", r), "clock refresh panicked")
			wait = c.fastInterval
		}
	}()

	if c.frozen.Load() {
		return c.slowInterval
	}

	c.current.Store(c.read())

	used := c.used.Swap(false)
	if c.fastReq.Swap(false) || used {
		*idle = 0
		c.slow.Store(false)
	} else {
		*idle++
		if *idle >= c.idleCycles {
			c.slow.Store(true)
		}
	}

	if c.slow.Load() {
		return c.slowInterval
	}
	return c.fastInterval
}
