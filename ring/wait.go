package ring

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxWaitSlice bounds a single blocking wait; the caller re-checks the queue after every slice, so
// a missed signal costs at most this long.
const maxWaitSlice = 10 * time.Millisecond

// waiter is a flag plus a single-slot signal. The flag lets the fast path skip signalling when
// nobody is blocked.
type waiter struct {
	waiting atomic.Int32
	ch      chan struct{}
}

func newWaiter() waiter {
	return waiter{ch: make(chan struct{}, 1)}
}

func (w *waiter) wake() {
	if w.waiting.Load() == 0 {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// wait blocks until a signal arrives or d (capped at maxWaitSlice) elapses.
func (w *waiter) wait(d time.Duration) {
	if d > maxWaitSlice {
		d = maxWaitSlice
	}
	t := acquireTimer(d)
	select {
	case <-w.ch:
	case <-t.C:
	}
	releaseTimer(t)
}

var timers sync.Pool

func acquireTimer(d time.Duration) *time.Timer {
	if v := timers.Get(); v != nil {
		t := v.(*time.Timer)
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

func releaseTimer(t *time.Timer) {
	t.Stop()
	timers.Put(t)
}
