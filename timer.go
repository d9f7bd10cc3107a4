package threadpool

import (
	"sync"
	"time"
)

// timerPool recycles the timers that bound StartTask and Do waits.
// A timer is always stopped and drained before it goes back or is reset.
type timerPool struct {
	p sync.Pool
}

// get returns a timer firing after d. A non-positive d fires at once, which turns a wait into
// a poll.
func (tp *timerPool) get(d time.Duration) *time.Timer {
	d = max(d, 0)
	if v := tp.p.Get(); v != nil {
		t := v.(*time.Timer)
		stopAndDrainTimer(t)
		t.Reset(d)
		return t
	}
	return time.NewTimer(d)
}

func (tp *timerPool) put(t *time.Timer) {
	if t == nil {
		return
	}
	stopAndDrainTimer(t)
	tp.p.Put(t)
}

// stopAndDrainTimer leaves t stopped with an empty channel.
func stopAndDrainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
