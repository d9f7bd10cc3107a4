package threadpool

import (
	"errors"
	"time"
)

type admission int

const (
	admitted admission = iota
	admitFull
	admitStopped
)

// admit queues t and hands queued work to idle workers. With queueIfFull unset a task that
// cannot get a worker within ThreadMax is refused instead.
func (p *Pool) admit(t *workTask, queueIfFull bool) admission {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return admitStopped
	}
	if !queueIfFull && p.full(t.priority) {
		p.mu.Unlock()
		return admitFull
	}
	if t.priority {
		p.priorityQ.push(t)
	} else {
		p.taskQ.push(t)
	}
	p.dispatch()
	wake := p.priorityQ.len() > 0 || p.taskQ.len() > 0 || len(p.idle) < p.cfg.IdleMin
	p.mu.Unlock()

	if wake {
		p.launcher.Wake()
	}
	return admitted
}

// dispatch hands runnable queued tasks to idle workers, most recently parked first. The send
// never blocks: a parked worker has an empty channel. Called with p.mu held.
func (p *Pool) dispatch() {
	for len(p.idle) > 0 {
		t := p.nextTask()
		if t == nil {
			return
		}
		n := len(p.idle) - 1
		w := p.idle[n]
		p.idle[n] = nil
		p.idle = p.idle[:n]
		w.ch <- t
	}
}

// full reports whether running and already queued work leaves no worker for another task of
// this kind. Called with p.mu held.
func (p *Pool) full(priority bool) bool {
	if priority {
		return p.active+p.priorityQ.len() >= p.cfg.ThreadMax
	}
	return p.active+p.priorityQ.len()+p.taskQ.len() >= p.cfg.ThreadMax-p.cfg.PriorityIdleMin
}

func (p *Pool) newTask(cb func(), priority bool) *workTask {
	if cb == nil {
		panic("BUG: nil task")
	}
	p.submitted.Add(1)
	t := acquireTask()
	t.cb = cb
	t.priority = priority
	t.status.Store(StatusQueued)
	return t
}

// Schedule queues task and returns at once. It reports false only when the pool is not running.
func (p *Pool) Schedule(task func()) bool {
	t := p.newTask(task, false)
	if p.admit(t, true) != admitted {
		releaseTask(t)
		return false
	}
	return true
}

// SchedulePriority queues task ahead of normal work. When every worker up to ThreadMax is busy
// the task runs on an overflow goroutine instead, so it always runs while the pool is up.
func (p *Pool) SchedulePriority(task func()) {
	t := p.newTask(task, true)
	switch p.admit(t, false) {
	case admitted:
	case admitFull:
		releaseTask(t)
		p.overflow(task)
	default:
		releaseTask(t)
		p.logger.Info("priority task dropped, pool is not running")
	}
}

// StartTask blocks until a worker starts task or timeout expires. On timeout the task is
// withdrawn and never runs; StartTask then reports false.
func (p *Pool) StartTask(task func(), timeout time.Duration) bool {
	return p.start(task, timeout, false) == nil
}

// StartPriorityTimeout is StartTask for a priority task.
func (p *Pool) StartPriorityTimeout(task func(), timeout time.Duration) bool {
	return p.start(task, timeout, true) == nil
}

// StartPriority waits PriorityTimeout for a worker, then runs task on an overflow goroutine.
func (p *Pool) StartPriority(task func()) {
	if err := p.start(task, p.priorityTimeout(), true); errors.Is(err, ErrTimeout) {
		p.overflow(task)
	}
}

func (p *Pool) start(cb func(), timeout time.Duration, priority bool) error {
	t := p.newTask(cb, priority)
	t.wait = true
	t.notify = true
	if p.admit(t, true) != admitted {
		releaseTask(t)
		return ErrStopped
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)
	timer := p.timers.get(timeout)
	defer p.timers.put(timer)

	var err error
	select {
	case <-t.started:
		leave(t)
		return nil
	case <-timer.C:
		err = ErrTimeout
	case <-p.stopCh:
		err = ErrStopped
	}
	if leave(t) != StatusQueued {
		// a worker took it while we gave up
		return nil
	}
	if err == ErrTimeout {
		p.timeout.Add(1)
	}
	return err
}

// Do runs task on a worker and waits for its WorkerFunc result. It fails with ErrNoFreeWorkers
// without queueing when no worker can take the task, and with ErrTimeout when the result does not
// arrive in time. A task that timed out may still run.
func (p *Pool) Do(task func(), timeout time.Duration) error {
	t := p.newTask(task, false)
	t.wait = true
	switch p.admit(t, false) {
	case admitFull:
		releaseTask(t)
		p.noFreeWorkers.Add(1)
		return ErrNoFreeWorkers
	case admitStopped:
		releaseTask(t)
		return ErrStopped
	}

	timer := p.timers.get(timeout)
	defer p.timers.put(timer)

	select {
	case err := <-t.done:
		leave(t)
		return err
	case <-timer.C:
		p.timeout.Add(1)
		leave(t)
		return ErrTimeout
	case <-p.stopCh:
		leave(t)
		return ErrStopped
	}
}

func (p *Pool) priorityTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.PriorityTimeout
}
