package alarm

import (
	"sync"
	"time"

	"github.com/aradilov/threadpool/clock"
	"github.com/aradilov/threadpool/internal/logging"
)

// maxCoordinatorWait bounds how long the coordinator parks when nothing is queued or the clock
// is frozen.
const maxCoordinatorWait = time.Second

// HeapScheduler keeps alarms in a binary min-heap ordered by wake time. A coordinator goroutine
// pops due alarms and parks until the earliest wake time or until a new alarm becomes earliest.
type HeapScheduler struct {
	dispatcher

	mu     sync.Mutex
	heap   []*Alarm // 1-based; heap[0] is unused
	closed bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

var _ Scheduler = (*HeapScheduler)(nil)

// NewHeapScheduler starts a heap scheduler. A nil clock selects a private running clock.
func NewHeapScheduler(exec Executor, clk *clock.Clock, opts ...Option) *HeapScheduler {
	o := newOptions(opts)
	s := &HeapScheduler{
		heap:   make([]*Alarm, 1, 64),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.init(exec, clk, o, "heap-scheduler")
	s.clk.Listen(func(now int64) { s.Poll(now) })

	go s.coordinate()
	return s
}

func (s *HeapScheduler) Queue(a *Alarm, delay time.Duration) bool {
	return s.QueueAt(a, s.at(delay))
}

func (s *HeapScheduler) QueueAt(a *Alarm, at int64) bool {
	if at <= 0 {
		at = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.owner != nil && a.owner != linker(s) {
		a.owner.unlink(a)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.V(logging.DEBUG).Info("alarm not queued", "alarm", a.name, "err", ErrClosed)
		return false
	}
	a.owner = s
	if a.heapAt > 0 {
		s.remove(a.heapAt)
	} else {
		s.queued.Add(1)
	}
	a.wakeTime.Store(at)
	s.push(a)
	earliest := a.heapAt == 1
	s.mu.Unlock()

	if earliest {
		s.wake()
	}
	return earliest
}

func (s *HeapScheduler) Dequeue(a *Alarm) bool {
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

func (s *HeapScheduler) unlink(a *Alarm) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.heapAt == 0 {
		return false
	}
	s.remove(a.heapAt)
	a.wakeTime.Store(0)
	s.queued.Add(-1)
	return true
}

func (s *HeapScheduler) NextAlarmTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) < 2 {
		return 0
	}
	return s.heap[1].wakeTime.Load()
}

func (s *HeapScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap) - 1
}

func (s *HeapScheduler) Stats() Stats {
	return s.stats()
}

// Close stops the coordinator. Queued alarms never fire.
func (s *HeapScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Poll dispatches every alarm due at now and returns how many were handed to the executor.
func (s *HeapScheduler) Poll(now int64) int {
	var due []dueAlarm

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	for len(s.heap) > 1 {
		top := s.heap[1]
		wake := top.wakeTime.Load()
		if wake > now {
			break
		}
		s.remove(1)
		if s.claim(top, wake) {
			due = append(due, dueAlarm{a: top, wake: wake})
		}
	}
	s.mu.Unlock()

	n := 0
	for _, d := range due {
		if s.handOff(d.a, d.wake, now) {
			n++
		}
	}
	return n
}

type dueAlarm struct {
	a    *Alarm
	wake int64
}

func (s *HeapScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *HeapScheduler) coordinate() {
	defer close(s.doneCh)

	t := time.NewTimer(maxCoordinatorWait)
	defer t.Stop()

	for {
		// a frozen clock is driven by its Freeze listener instead
		wait := maxCoordinatorWait
		if !s.clk.IsFrozen() {
			now := s.clk.ExactNow()
			s.Poll(now)
			if next := s.NextAlarmTime(); next > 0 {
				wait = time.Duration(next-now) * time.Millisecond
			}
		}
		if wait <= 0 {
			continue
		}
		if wait > maxCoordinatorWait {
			wait = maxCoordinatorWait
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-t.C:
		}
	}
}

// push appends a and sifts it up. Called with s.mu held.
func (s *HeapScheduler) push(a *Alarm) {
	s.heap = append(s.heap, a)
	a.heapAt = len(s.heap) - 1
	s.up(a.heapAt)
}

// remove unlinks the alarm at index i. Called with s.mu held.
func (s *HeapScheduler) remove(i int) {
	last := len(s.heap) - 1
	removed := s.heap[i]
	if i != last {
		s.swap(i, last)
	}
	s.heap[last] = nil
	s.heap = s.heap[:last]
	removed.heapAt = 0

	if i < last {
		if !s.down(i) {
			s.up(i)
		}
	}
}

func (s *HeapScheduler) less(i, j int) bool {
	return s.heap[i].wakeTime.Load() < s.heap[j].wakeTime.Load()
}

func (s *HeapScheduler) swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
	s.heap[i].heapAt = i
	s.heap[j].heapAt = j
}

func (s *HeapScheduler) up(i int) {
	for i > 1 {
		parent := i / 2
		if !s.less(i, parent) {
			return
		}
		s.swap(i, parent)
		i = parent
	}
}

// down sifts i toward the leaves and reports whether it moved.
func (s *HeapScheduler) down(i int) bool {
	start := i
	n := len(s.heap)
	for {
		child := 2 * i
		if child >= n {
			break
		}
		if child+1 < n && s.less(child+1, child) {
			child++
		}
		if !s.less(child, i) {
			break
		}
		s.swap(i, child)
		i = child
	}
	return i > start
}
