package ring

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type slot32[T any] struct {
	seq   atomic.Uint32
	value T
}

// Queue32 is the compact variant: 32-bit cursors that wrap, modulo indexing and no blocking
// operations. Cursor distances are compared as signed 32-bit differences, so the queue works
// across wrap-around as long as capacity stays below 2^30.
type Queue32[T any] struct {
	_         cpu.CacheLinePad
	headAlloc atomic.Uint32
	_         cpu.CacheLinePad
	head      atomic.Uint32
	_         cpu.CacheLinePad
	tailAlloc atomic.Uint32
	_         cpu.CacheLinePad
	tail      atomic.Uint32
	_         cpu.CacheLinePad

	capacity uint32
	slots    []slot32[T]
	backoff  Backoff
}

const maxCapacity32 = 1 << 30

// New32 returns a Queue32 holding at least capacity values, rounded up to a power of two.
func New32[T any](capacity int, opts ...Option) *Queue32[T] {
	if capacity <= 0 || capacity > maxCapacity32 {
		panic("BUG: ring capacity must be in (0, 2^30]")
	}
	o := buildOptions(opts)
	n := roundUp(capacity)
	q := &Queue32[T]{
		capacity: uint32(n),
		slots:    make([]slot32[T], n),
		backoff:  o.backoff,
	}
	for i := range q.slots {
		q.slots[i].seq.Store(consumed32(uint32(i)) - 2*uint32(n))
	}
	return q
}

func written32(idx uint32) uint32  { return 2*idx + 1 }
func consumed32(idx uint32) uint32 { return 2*idx + 2 }

// before reports a < b across wrap-around.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

func (q *Queue32[T]) Cap() int {
	return int(q.capacity)
}

func (q *Queue32[T]) Size() int {
	t := q.tail.Load()
	h := q.head.Load()
	n := int32(h - t)
	switch {
	case n < 0:
		return 0
	case uint32(n) > q.capacity:
		return int(q.capacity)
	}
	return int(n)
}

func (q *Queue32[T]) IsEmpty() bool {
	return !before(q.tailAlloc.Load(), q.head.Load())
}

func (q *Queue32[T]) Offer(v T) bool {
	for {
		ha := q.headAlloc.Load()
		if ha-q.tail.Load() >= q.capacity {
			q.advanceTail()
			if ha-q.tail.Load() >= q.capacity {
				if ha == q.headAlloc.Load() {
					return false
				}
				continue
			}
		}
		if !q.headAlloc.CompareAndSwap(ha, ha+1) {
			continue
		}

		s := &q.slots[ha%q.capacity]
		s.value = v
		s.seq.Store(written32(ha))

		q.advanceHead()
		return true
	}
}

func (q *Queue32[T]) Poll() (T, bool) {
	for {
		ta := q.tailAlloc.Load()
		if !before(ta, q.head.Load()) {
			q.advanceHead()
			if !before(ta, q.head.Load()) {
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

		s := &q.slots[ta%q.capacity]
		v := s.value
		var zero T
		s.value = zero
		s.seq.Store(consumed32(ta))

		q.advanceTail()
		return v, true
	}
}

// Peek has the same snapshot semantics as Queue.Peek.
func (q *Queue32[T]) Peek() (T, bool) {
	for {
		ta := q.tailAlloc.Load()
		if !before(ta, q.head.Load()) {
			var zero T
			return zero, false
		}
		s := &q.slots[ta%q.capacity]
		if s.seq.Load() != written32(ta) {
			continue
		}
		v := s.value
		if s.seq.Load() == written32(ta) && q.tailAlloc.Load() == ta {
			return v, true
		}
	}
}

func (q *Queue32[T]) advanceHead() {
	attempt := 0
	for {
		h := q.head.Load()
		if !before(h, q.headAlloc.Load()) {
			return
		}
		if q.slots[h%q.capacity].seq.Load() == written32(h) {
			q.head.CompareAndSwap(h, h+1)
			attempt = 0
			continue
		}
		if attempt >= q.backoff.Retries(uint64(h)) {
			return
		}
		q.backoff.Pause(attempt)
		attempt++
	}
}

func (q *Queue32[T]) advanceTail() {
	attempt := 0
	for {
		t := q.tail.Load()
		if !before(t, q.tailAlloc.Load()) {
			return
		}
		if q.slots[t%q.capacity].seq.Load() == consumed32(t) {
			q.tail.CompareAndSwap(t, t+1)
			attempt = 0
			continue
		}
		if attempt >= q.backoff.Retries(uint64(t)) {
			return
		}
		q.backoff.Pause(attempt)
		attempt++
	}
}
