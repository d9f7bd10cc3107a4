package threadpool

import (
	"context"

	"github.com/aradilov/threadpool/internal/logging"
)

// launch runs on the launcher worker. It starts workers while queued work has no worker to run
// on, and refills the idle minimum at most once per OverflowWindow. Creation is throttled to
// ThrottleLimit workers per ThrottlePeriod.
func (p *Pool) launch(ctx context.Context) {
	p.mu.Lock()
	refill := len(p.idle)+p.starting < p.cfg.IdleMin && p.refill.Allow()
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if !p.wantThread(refill) {
			p.mu.Unlock()
			return
		}
		p.threads++
		p.starting++
		p.mu.Unlock()

		if err := p.throttle.Wait(ctx); err != nil {
			p.mu.Lock()
			p.threads--
			p.starting--
			p.mu.Unlock()
			return
		}
		n := p.created.Add(1)
		go p.workerFunc(p.newWorker())
		p.logger.V(logging.TRACE).Info("started worker", "created", n)
	}
}

// wantThread reports whether another worker should be started. Called with p.mu held.
func (p *Pool) wantThread(refill bool) bool {
	if p.stopped || p.threads >= p.cfg.ThreadMax {
		return false
	}
	pending := p.priorityQ.len()
	if room := p.cfg.ThreadMax - p.cfg.PriorityIdleMin - p.active; room > 0 {
		pending += min(p.taskQ.len(), room)
	}
	spare := len(p.idle) + p.starting
	if pending > spare {
		return true
	}
	return refill && spare < p.cfg.IdleMin
}

// overflow runs a priority task on its own goroutine, outside of ThreadMax.
func (p *Pool) overflow(task func()) {
	n := p.overflowCount.Add(1)
	if p.overflowLog.Allow() {
		st := p.Stats()
		cfg := p.Config()
		p.logger.Info("pool exhausted, running priority task on overflow goroutine",
			"threads", st.Threads, "active", st.Active, "idle", st.Idle, "starting", st.Starting,
			"threadMax", cfg.ThreadMax, "priorityIdleMin", cfg.PriorityIdleMin, "overflow", n)
	}
	go func() {
		if err := p.call(task); err != nil {
			p.logger.Error(err, "overflow task error")
		}
	}()
}
