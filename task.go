package threadpool

import (
	"sync"
	"sync/atomic"
)

// Task states. A caller that waits on a task (Do, StartTask) and the worker running it hand the
// task back to the free list through Released: whoever moves it out of Released second frees it.
const (
	StatusFree     = 0
	StatusQueued   = 1
	StatusProgress = 2
	StatusDone     = 3
	StatusReleased = 4
)

// workTask is one submission: the callback, how the submitter waits for it and its state.
type workTask struct {
	cb       func()
	priority bool
	// wait marks a task whose submitter takes part in the release handshake
	wait bool
	// notify asks the worker to signal started once it owns the task
	notify  bool
	done    chan error
	started chan struct{}
	status  atomic.Uint64
}

var workPool sync.Pool

func acquireTask() *workTask {
	if task := workPool.Get(); nil != task {
		return task.(*workTask)
	}
	return &workTask{
		done:    make(chan error, 1),
		started: make(chan struct{}, 1),
	}
}

func releaseTask(task *workTask) {
	select {
	case <-task.done:
	default:
	}
	select {
	case <-task.started:
	default:
	}
	task.wait = false
	task.notify = false
	task.priority = false
	task.cb = nil
	task.status.Store(StatusFree)
	workPool.Put(task)
}

// leave is the submitter's half of the release handshake. It returns the status it took the
// task from: StatusQueued means the task was withdrawn and will never run.
func leave(task *workTask) uint64 {
	for {
		st := task.status.Load()
		switch st {
		case StatusQueued, StatusProgress:
			if task.status.CompareAndSwap(st, StatusReleased) {
				return st
			}
		case StatusDone:
			if task.status.CompareAndSwap(StatusDone, StatusReleased) {
				releaseTask(task)
				return st
			}
		default:
			panic("BUG: unexpected task status on leave")
		}
	}
}

// finish is the worker's half of the release handshake for a task whose submitter waits.
func finish(task *workTask) {
	if task.status.CompareAndSwap(StatusProgress, StatusDone) {
		return
	}
	if task.status.CompareAndSwap(StatusReleased, StatusDone) {
		releaseTask(task)
		return
	}
	panic("BUG: worker pool invariant violation")
}
