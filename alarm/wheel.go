package alarm

import (
	"cmp"
	"context"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aradilov/threadpool/clock"
	"github.com/aradilov/threadpool/internal/logging"
)

const (
	// DefaultWheelLength is one minute of 1ms buckets.
	DefaultWheelLength  = 60000
	DefaultSlabCapacity = 65536
)

// WithWheelLength sets the number of 1ms buckets in one revolution.
func WithWheelLength(n int) Option {
	return func(o *options) { o.wheelLength = n }
}

// WithSlabCapacity bounds the number of alarms linked into the wheel at once. Alarms beyond it
// are kept on a locked side list until room frees up.
func WithSlabCapacity(n int) Option {
	return func(o *options) { o.slabCapacity = n }
}

// wheelLink is the wheel's linkage on an alarm, guarded by Alarm.mu.
type wheelLink struct {
	ref     uint64
	bucket  int
	spilled bool
}

// WheelScheduler is a hashed timing wheel. Bucket key is wakeTime mod length; every bucket is a
// lock-free singly linked list of slab nodes. Alarms already due when queued go onto an extra
// "current" list drained by every tick. The wheel does not advance by itself: call Tick, or Run
// on a dedicated goroutine.
type WheelScheduler struct {
	dispatcher

	length  int64
	heads   []atomic.Uint64 // length buckets, then the current list
	current int
	slab    *slab

	lastTick  atomic.Int64
	next      atomic.Int64
	nextStale atomic.Bool
	closed    atomic.Bool

	tickMu sync.Mutex

	spillMu sync.Mutex
	spill   map[*Alarm]struct{}
}

var _ Scheduler = (*WheelScheduler)(nil)

// NewWheelScheduler returns a wheel positioned at the clock's current time.
func NewWheelScheduler(exec Executor, clk *clock.Clock, opts ...Option) *WheelScheduler {
	o := newOptions(opts)
	if o.wheelLength <= 0 {
		o.wheelLength = DefaultWheelLength
	}
	if o.slabCapacity <= 0 {
		o.slabCapacity = DefaultSlabCapacity
	}
	s := &WheelScheduler{
		length:  int64(o.wheelLength),
		heads:   make([]atomic.Uint64, o.wheelLength+1),
		current: o.wheelLength,
		slab:    newSlab(o.slabCapacity),
		spill:   make(map[*Alarm]struct{}),
	}
	s.init(exec, clk, o, "wheel-scheduler")
	s.next.Store(math.MaxInt64)
	s.lastTick.Store(s.clk.Now())
	s.clk.Listen(func(now int64) { s.Tick(now) })
	return s
}

func (s *WheelScheduler) Queue(a *Alarm, delay time.Duration) bool {
	return s.QueueAt(a, s.at(delay))
}

func (s *WheelScheduler) QueueAt(a *Alarm, at int64) bool {
	if at <= 0 {
		at = 1
	}
	if s.closed.Load() {
		s.logger.V(logging.DEBUG).Info("alarm not queued", "alarm", a.name, "err", ErrClosed)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != nil && a.owner != linker(s) {
		a.owner.unlink(a)
	}
	a.owner = s
	if old := a.wakeTime.Swap(at); old == 0 {
		s.queued.Add(1)
	}
	s.detach(a)
	s.attach(a, at)
	return s.advanceNext(at)
}

func (s *WheelScheduler) Dequeue(a *Alarm) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != linker(s) {
		return false
	}
	if !s.unlink(a) {
		return false
	}
	s.cancelled.Add(1)
	return true
}

func (s *WheelScheduler) unlink(a *Alarm) bool {
	old := a.wakeTime.Swap(0)
	s.detach(a)
	if old == 0 {
		return false
	}
	s.queued.Add(-1)
	return true
}

// NextAlarmTime returns the earliest known wake time. After cancellations it may report a time
// earlier than the real earliest alarm.
func (s *WheelScheduler) NextAlarmTime() int64 {
	if s.queued.Load() <= 0 {
		return 0
	}
	if next := s.next.Load(); next != math.MaxInt64 && !s.nextStale.Load() {
		return next
	}
	s.nextStale.Store(false)
	best := s.scanNext()
	if best == math.MaxInt64 {
		return 0
	}
	s.advanceNext(best)
	return s.next.Load()
}

func (s *WheelScheduler) Len() int {
	return int(s.queued.Load())
}

func (s *WheelScheduler) Stats() Stats {
	return s.stats()
}

// Close makes further Queue calls fail and Tick a no-op. Queued alarms never fire.
func (s *WheelScheduler) Close() {
	s.closed.Store(true)
}

// Run drives Tick from the clock every interval until ctx is done.
func (s *WheelScheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(s.clk.ExactNow())
		}
	}
}

// Tick advances the wheel to now: it drains the current list, sweeps every bucket since the
// previous tick (at most one revolution), dispatches due alarms in wake order and relinks alarms
// that belong to a later revolution. It returns how many alarms were handed to the executor.
func (s *WheelScheduler) Tick(now int64) int {
	if s.closed.Load() {
		return 0
	}

	var due, overflow []dueAlarm
	collect := func(a *Alarm, wake int64) {
		if wake <= now {
			due = append(due, dueAlarm{a: a, wake: wake})
		} else {
			overflow = append(overflow, dueAlarm{a: a, wake: wake})
		}
	}

	s.tickMu.Lock()
	s.popBucket(s.current, collect)
	last := s.lastTick.Load()
	switch {
	case now > last:
		// published before the sweep so a concurrent insert can tell it raced with us
		s.lastTick.Store(now)
		from := last + 1
		if now-from >= s.length {
			from = now - s.length + 1
		}
		for t := from; t <= now; t++ {
			s.popBucket(int(t%s.length), collect)
		}
		s.popBucket(s.current, collect)
	case now < last:
		s.lastTick.Store(now)
	}
	s.drainSpill(now, collect)
	for _, e := range overflow {
		s.relink(e.a, e.wake)
	}
	s.tickMu.Unlock()

	slices.SortStableFunc(due, func(x, y dueAlarm) int { return cmp.Compare(x.wake, y.wake) })
	n := 0
	for _, e := range due {
		if s.fire(e.a, e.wake, now) {
			n++
		}
	}
	if len(due) > 0 {
		s.expireNext(now)
	}
	return n
}

// attach links a into its bucket, or onto the current list when at is already due.
// Called with a.mu held and a detached.
func (s *WheelScheduler) attach(a *Alarm, at int64) {
	b := s.current
	if at > s.lastTick.Load() {
		b = int(at % s.length)
	}
	l, ok := s.slab.alloc(a, at)
	if !ok {
		s.spillAlarm(a)
		return
	}
	s.push(b, l)
	a.wheel.ref, a.wheel.bucket = l, b

	if b != s.current && at <= s.lastTick.Load() {
		// a tick swept past the bucket while we were linking
		s.detach(a)
		s.attach(a, at)
	}
}

// detach removes a's node from its list. Called with a.mu held.
func (s *WheelScheduler) detach(a *Alarm) {
	if a.wheel.spilled {
		s.spillMu.Lock()
		delete(s.spill, a)
		s.spillMu.Unlock()
		a.wheel.spilled = false
		return
	}
	l := a.wheel.ref
	if l == 0 {
		return
	}
	n := &s.slab.nodes[linkIndex(l)]
	for {
		nx := n.next.Load()
		if isMarked(nx) || n.next.CompareAndSwap(nx, nx|markBit) {
			break
		}
	}
	s.unlinkNode(a.wheel.bucket, l)
	s.slab.release(l)
	a.wheel.ref = 0
}

func (s *WheelScheduler) push(b int, l uint64) {
	head := &s.heads[b]
	n := &s.slab.nodes[linkIndex(l)]
	for {
		h := head.Load()
		n.next.Store(h)
		if head.CompareAndSwap(h, l) {
			return
		}
	}
}

// unlinkNode physically removes the marked node target from bucket b. Any conflicting change to
// the list restarts the walk from the bucket head.
func (s *WheelScheduler) unlinkNode(b int, target uint64) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			runtime.Gosched()
		}
		prev := &s.heads[b]
		cur := prev.Load()
		restart := false
		for cur != 0 {
			n, ok := s.slab.node(cur)
			if !ok {
				restart = true
				break
			}
			nx := n.next.Load()
			if _, ok := s.slab.node(cur); !ok {
				restart = true
				break
			}
			if cur == target {
				if prev.CompareAndSwap(cur, nx&^markBit) {
					return
				}
				restart = true
				break
			}
			prev = &n.next
			cur = nx &^ markBit
		}
		if !restart {
			return
		}
	}
}

// popBucket removes every node from bucket b and passes its alarm and wake time to collect.
// Called with tickMu held.
func (s *WheelScheduler) popBucket(b int, collect func(a *Alarm, wake int64)) {
	for {
		l := s.heads[b].Load()
		if l == 0 {
			return
		}
		n, ok := s.slab.node(l)
		if !ok {
			continue
		}
		a := n.alarm.Load()
		wake := n.wake.Load()
		if _, ok := s.slab.node(l); !ok || a == nil {
			continue
		}

		a.mu.Lock()
		if a.wheel.ref != l {
			a.mu.Unlock()
			runtime.Gosched()
			continue
		}
		s.detach(a)
		a.mu.Unlock()
		collect(a, wake)
	}
}

// relink puts an alarm from a later revolution back into the wheel unless it was cancelled or
// rescheduled since it was popped.
func (s *WheelScheduler) relink(a *Alarm, wake int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != linker(s) || a.wheel.ref != 0 || a.wheel.spilled || a.wakeTime.Load() != wake {
		return
	}
	s.attach(a, wake)
}

// spillAlarm parks a on the side list when the slab is exhausted. Called with a.mu held.
func (s *WheelScheduler) spillAlarm(a *Alarm) {
	s.spillMu.Lock()
	s.spill[a] = struct{}{}
	s.spillMu.Unlock()
	a.wheel.spilled = true
	if s.spilled.Add(1) == 1 {
		s.logger.Info("wheel slab exhausted, spilling alarms", "capacity", s.slab.capacity())
	}
}

func (s *WheelScheduler) drainSpill(now int64, collect func(a *Alarm, wake int64)) {
	s.spillMu.Lock()
	if len(s.spill) == 0 {
		s.spillMu.Unlock()
		return
	}
	spilled := make([]*Alarm, 0, len(s.spill))
	for a := range s.spill {
		spilled = append(spilled, a)
	}
	s.spillMu.Unlock()

	for _, a := range spilled {
		a.mu.Lock()
		if !a.wheel.spilled {
			a.mu.Unlock()
			continue
		}
		wake := a.wakeTime.Load()
		s.detach(a)
		if wake != 0 && wake > now {
			s.attach(a, wake)
			wake = 0
		}
		a.mu.Unlock()
		if wake != 0 {
			collect(a, wake)
		}
	}
}

func (s *WheelScheduler) advanceNext(at int64) bool {
	for {
		cur := s.next.Load()
		if at >= cur {
			return false
		}
		if s.next.CompareAndSwap(cur, at) {
			return true
		}
	}
}

// expireNext forgets the earliest wake time once it has passed.
func (s *WheelScheduler) expireNext(now int64) {
	for {
		cur := s.next.Load()
		if cur > now {
			return
		}
		if s.next.CompareAndSwap(cur, math.MaxInt64) {
			s.nextStale.Store(true)
			return
		}
	}
}

// scanNext walks every list for the earliest live wake time.
func (s *WheelScheduler) scanNext() int64 {
	best := int64(math.MaxInt64)
	for b := range s.heads {
		l := s.heads[b].Load()
		for l != 0 {
			n, ok := s.slab.node(l)
			if !ok {
				break
			}
			a := n.alarm.Load()
			wake := n.wake.Load()
			nx := n.next.Load()
			if _, ok := s.slab.node(l); !ok {
				break
			}
			if !isMarked(nx) && a != nil && wake < best && a.wakeTime.Load() == wake {
				best = wake
			}
			l = nx &^ markBit
		}
	}

	s.spillMu.Lock()
	for a := range s.spill {
		if wake := a.wakeTime.Load(); wake != 0 && wake < best {
			best = wake
		}
	}
	s.spillMu.Unlock()
	return best
}
