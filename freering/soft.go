package freering

import (
	"weak"

	"github.com/aradilov/threadpool/ring"
)

// SoftRing is a pool whose entries do not keep their objects alive. Under memory pressure the
// collector may reclaim pooled objects; Allocate skips the reclaimed entries.
type SoftRing[T any] struct {
	q *ring.Queue[weak.Pointer[T]]
}

// NewSoft returns a SoftRing holding at most capacity entries, rounded up to a power of two.
func NewSoft[T any](capacity int, opts ...Option) *SoftRing[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &SoftRing[T]{q: ring.New[weak.Pointer[T]](capacity, o.ring...)}
}

// Allocate returns a pooled object that is still alive, or nil.
func (r *SoftRing[T]) Allocate() *T {
	for {
		wp, ok := r.q.Poll()
		if !ok {
			return nil
		}
		if v := wp.Value(); v != nil {
			return v
		}
	}
}

// Free returns v to the pool. It reports false when the pool is full and v was dropped.
func (r *SoftRing[T]) Free(v *T) bool {
	if v == nil {
		return false
	}
	return r.q.Offer(weak.Make(v))
}

// Size counts entries, including ones the collector may already have reclaimed.
func (r *SoftRing[T]) Size() int {
	return r.q.Size()
}
