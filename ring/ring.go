// Package ring implements fixed-capacity lock-free multi-producer multi-consumer ring queues.
//
// A queue keeps four monotonically increasing cursors:
//
//	tail <= tailAlloc <= head <= headAlloc,  headAlloc - tail <= capacity
//
// Producers reserve a slot by advancing headAlloc, write it, and then advance head over every
// contiguous written slot. Consumers mirror this with tailAlloc and tail. The live region is
// [tail, head). Producers can finish writing in any order, so head only moves past slots that are
// complete; a producer that sees a gap leaves head where it is and the producer owning the gap
// advances it later. Each slot carries a sequence word that says which lap wrote or consumed it.
//
// There is no ordering guarantee between concurrent producers beyond every offered value being
// delivered to exactly one consumer. A single producer and a single consumer see FIFO order.
package ring

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

type slot[T any] struct {
	// seq is 2*idx+1 once idx is written and 2*idx+2 once idx is consumed.
	seq   atomic.Uint64
	value T
}

// Queue is a bounded MPMC queue with 64-bit cursors and optional blocking Put/Take.
type Queue[T any] struct {
	_         cpu.CacheLinePad
	headAlloc atomic.Uint64
	_         cpu.CacheLinePad
	head      atomic.Uint64
	_         cpu.CacheLinePad
	tailAlloc atomic.Uint64
	_         cpu.CacheLinePad
	tail      atomic.Uint64
	_         cpu.CacheLinePad

	mask    uint64
	slots   []slot[T]
	backoff Backoff

	notEmpty waiter
	notFull  waiter
}

// Option configures a queue.
type Option func(*options)

type options struct {
	backoff Backoff
}

// WithBackoff replaces DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

func buildOptions(opts []Option) options {
	o := options{backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	o.backoff = o.backoff.normalized()
	return o
}

// New returns a queue holding at least capacity values; capacity is rounded up to a power of two.
func New[T any](capacity int, opts ...Option) *Queue[T] {
	if capacity <= 0 {
		panic("BUG: ring capacity must be > 0")
	}
	o := buildOptions(opts)
	n := roundUp(capacity)
	q := &Queue[T]{
		mask:     uint64(n - 1),
		slots:    make([]slot[T], n),
		backoff:  o.backoff,
		notEmpty: newWaiter(),
		notFull:  newWaiter(),
	}
	// slot i starts as "consumed" for lap -1
	for i := range q.slots {
		q.slots[i].seq.Store(consumedSeq(uint64(i)) - 2*uint64(n))
	}
	return q
}

func writtenSeq(idx uint64) uint64  { return 2*idx + 1 }
func consumedSeq(idx uint64) uint64 { return 2*idx + 2 }

// Cap returns the effective capacity.
func (q *Queue[T]) Cap() int {
	return len(q.slots)
}

// Size returns the number of visible values.
func (q *Queue[T]) Size() int {
	t := q.tail.Load()
	h := q.head.Load()
	if n := int(h - t); n < len(q.slots) {
		return n
	}
	return len(q.slots)
}

func (q *Queue[T]) IsEmpty() bool {
	return q.tailAlloc.Load() >= q.head.Load()
}

// Offer appends v without blocking and reports whether there was room.
func (q *Queue[T]) Offer(v T) bool {
	capacity := uint64(len(q.slots))
	for {
		ha := q.headAlloc.Load()
		if ha-q.tail.Load() >= capacity {
			// a consumer may have finished its slot without moving tail yet
			q.advanceTail()
			if ha-q.tail.Load() >= capacity {
				if ha == q.headAlloc.Load() {
					return false
				}
				continue
			}
		}
		if !q.headAlloc.CompareAndSwap(ha, ha+1) {
			continue
		}

		s := &q.slots[ha&q.mask]
		s.value = v
		s.seq.Store(writtenSeq(ha))

		q.advanceHead()
		q.notEmpty.wake()
		return true
	}
}

// Put appends v, waiting up to timeout for room.
func (q *Queue[T]) Put(v T, timeout time.Duration) bool {
	if q.Offer(v) {
		return true
	}
	deadline := time.Now().Add(timeout)
	q.notFull.waiting.Add(1)
	defer q.notFull.waiting.Add(-1)
	for {
		// checked again after raising the flag so a concurrent Poll cannot slip between
		if q.Offer(v) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		q.notFull.wait(remaining)
	}
}

// Poll removes the oldest visible value.
func (q *Queue[T]) Poll() (T, bool) {
	for {
		ta := q.tailAlloc.Load()
		if ta >= q.head.Load() {
			q.advanceHead()
			if ta >= q.head.Load() {
				if ta == q.tailAlloc.Load() {
					var zero T
					return zero, false
				}
				continue
			}
		}
		if !q.tailAlloc.CompareAndSwap(ta, ta+1) {
			continue
		}

		s := &q.slots[ta&q.mask]
		v := s.value
		var zero T
		s.value = zero
		s.seq.Store(consumedSeq(ta))

		q.advanceTail()
		q.notFull.wake()
		return v, true
	}
}

// Take removes the oldest value, waiting up to timeout for one to arrive.
func (q *Queue[T]) Take(timeout time.Duration) (T, bool) {
	if v, ok := q.Poll(); ok {
		return v, true
	}
	deadline := time.Now().Add(timeout)
	q.notEmpty.waiting.Add(1)
	defer q.notEmpty.waiting.Add(-1)
	for {
		if v, ok := q.Poll(); ok {
			return v, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false
		}
		q.notEmpty.wait(remaining)
	}
}

// Peek returns the value Poll would return next without consuming it. The result is a snapshot:
// a concurrent Poll may consume it at any time.
func (q *Queue[T]) Peek() (T, bool) {
	for {
		ta := q.tailAlloc.Load()
		if ta >= q.head.Load() {
			var zero T
			return zero, false
		}
		s := &q.slots[ta&q.mask]
		if s.seq.Load() != writtenSeq(ta) {
			// consumed between the two loads
			continue
		}
		v := s.value
		if s.seq.Load() == writtenSeq(ta) && q.tailAlloc.Load() == ta {
			return v, true
		}
	}
}

// advanceHead moves head across contiguous written slots.
func (q *Queue[T]) advanceHead() {
	attempt := 0
	for {
		h := q.head.Load()
		if h >= q.headAlloc.Load() {
			return
		}
		if q.slots[h&q.mask].seq.Load() == writtenSeq(h) {
			q.head.CompareAndSwap(h, h+1)
			attempt = 0
			continue
		}
		// slot h is reserved but not yet written
		if attempt >= q.backoff.Retries(h) {
			return
		}
		q.backoff.Pause(attempt)
		attempt++
	}
}

// advanceTail moves tail across contiguous consumed slots.
func (q *Queue[T]) advanceTail() {
	attempt := 0
	for {
		t := q.tail.Load()
		if t >= q.tailAlloc.Load() {
			return
		}
		if q.slots[t&q.mask].seq.Load() == consumedSeq(t) {
			q.tail.CompareAndSwap(t, t+1)
			attempt = 0
			continue
		}
		if attempt >= q.backoff.Retries(t) {
			return
		}
		q.backoff.Pause(attempt)
		attempt++
	}
}

// Range calls fn for each visible value from oldest to newest until fn returns false. It reads
// slots without reserving them and is meant for debugging checks run while producers and consumers
// are quiescent.
func (q *Queue[T]) Range(fn func(v T) bool) {
	h := q.head.Load()
	for i := q.tailAlloc.Load(); i < h; i++ {
		s := &q.slots[i&q.mask]
		if s.seq.Load() != writtenSeq(i) {
			continue
		}
		if !fn(s.value) {
			return
		}
	}
}
