package threadpool

// execItem is a link of the executor chain: tasks waiting for an executor slot, in order.
type execItem struct {
	task func()
	next *execItem
}

// ScheduleExecutorTask runs task as a normal task while fewer than ExecutorTaskMax executor tasks
// run, otherwise chains it behind the earlier ones. A finishing executor task releases the next
// chained one. It reports false only when the pool is not running.
func (p *Pool) ScheduleExecutorTask(task func()) bool {
	if task == nil {
		panic("BUG: nil task")
	}
	if !p.running() {
		return false
	}
	p.execMu.Lock()
	if p.execHead != nil || !p.execSlot() {
		item := &execItem{task: task}
		if p.execTail != nil {
			p.execTail.next = item
		} else {
			p.execHead = item
		}
		p.execTail = item
		p.execQueued++
		p.execMu.Unlock()
		return true
	}
	p.execRunning++
	p.execMu.Unlock()

	if !p.Schedule(p.executorTask(task)) {
		p.execMu.Lock()
		p.execRunning--
		p.execMu.Unlock()
		return false
	}
	return true
}

func (p *Pool) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// execSlot reports whether another executor task may run. Called with p.execMu held.
func (p *Pool) execSlot() bool {
	limit := p.execMax.Load()
	return limit == UnlimitedExecutorTasks || int64(p.execRunning) < limit
}

func (p *Pool) executorTask(task func()) func() {
	return func() {
		defer p.completeExecutorTask()
		task()
	}
}

func (p *Pool) completeExecutorTask() {
	p.execMu.Lock()
	p.execRunning--
	p.execMu.Unlock()
	p.pumpExecutor()
}

// pumpExecutor schedules chained tasks while executor slots are free. Chained tasks of a stopped
// pool are dropped.
func (p *Pool) pumpExecutor() {
	for {
		p.execMu.Lock()
		item := p.execHead
		if item == nil || !p.execSlot() {
			p.execMu.Unlock()
			return
		}
		p.execHead = item.next
		if p.execHead == nil {
			p.execTail = nil
		}
		p.execQueued--
		p.execRunning++
		p.execMu.Unlock()

		if !p.Schedule(p.executorTask(item.task)) {
			p.execMu.Lock()
			p.execRunning--
			p.execMu.Unlock()
			p.logger.Info("executor task dropped, pool is not running")
		}
	}
}
