// Package freering recycles short-lived objects through a bounded lock-free ring.
//
// A pool is a soft cap: Allocate returns nil when the ring is empty and Free drops the object
// for the garbage collector when the ring is full. Nothing ever blocks.
package freering

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aradilov/threadpool/ring"
)

// ErrDoubleFree is the panic value wrapped by a careful pool when an object is freed twice.
var ErrDoubleFree = errors.New("freering: object freed twice")

// Option configures a pool.
type Option func(*options)

type options struct {
	careful bool
	ring    []ring.Option
}

// WithCareful makes Free scan the whole ring for the object before inserting it and panic on a
// double free. The scan is O(N) and serializes the pool; use it only while debugging.
func WithCareful() Option {
	return func(o *options) { o.careful = true }
}

// WithRingOptions passes options to the underlying ring queue.
func WithRingOptions(opts ...ring.Option) Option {
	return func(o *options) { o.ring = append(o.ring, opts...) }
}

// Ring is a bounded free list of *T.
type Ring[T any] struct {
	q       *ring.Queue[*T]
	careful bool
	mu      sync.Mutex
}

// New returns a pool holding at most capacity objects, rounded up to a power of two.
func New[T any](capacity int, opts ...Option) *Ring[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Ring[T]{
		q:       ring.New[*T](capacity, o.ring...),
		careful: o.careful,
	}
}

// Allocate returns a pooled object or nil.
func (r *Ring[T]) Allocate() *T {
	if r.careful {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	v, _ := r.q.Poll()
	return v
}

// Free returns v to the pool. It reports false when the pool is full and v was dropped.
func (r *Ring[T]) Free(v *T) bool {
	if v == nil {
		return false
	}
	if r.careful {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.q.Range(func(pooled *T) bool {
			if pooled == v {
				panic(fmt.Errorf("%w: %p", ErrDoubleFree, v))
			}
			return true
		})
	}
	return r.q.Offer(v)
}

// Size returns the number of pooled objects.
func (r *Ring[T]) Size() int {
	return r.q.Size()
}

// Cap returns the pool capacity.
func (r *Ring[T]) Cap() int {
	return r.q.Cap()
}
