// Package metrics exports pool and scheduler statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradilov/threadpool"
	"github.com/aradilov/threadpool/alarm"
)

const namespace = "threadpool"

func desc(subsystem, name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, []string{"name"}, nil)
}

var (
	descThreads  = desc("pool", "threads", "Worker goroutines, running or idle.")
	descActive   = desc("pool", "active", "Workers running a task.")
	descIdle     = desc("pool", "idle", "Workers parked on the idle stack.")
	descStarting = desc("pool", "starting", "Workers created but not yet running.")
	descWaiting  = desc("pool", "waiting", "Callers blocked until a worker starts their task.")
	descQueued   = prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "queued_tasks"),
		"Tasks waiting for a worker, by lane.", []string{"name", "lane"}, nil)
	descExecutorRunning = desc("pool", "executor_running", "Executor tasks running.")
	descExecutorQueued  = desc("pool", "executor_queued", "Executor tasks chained behind the executor ceiling.")
	descCreated         = desc("pool", "created_total", "Workers created.")
	descOverflow        = desc("pool", "overflow_total", "Priority tasks run on overflow goroutines.")
	descSubmitted       = desc("pool", "submitted_total", "Tasks submitted.")
	descNoFreeWorkers   = desc("pool", "no_free_workers_total", "Do calls refused for lack of workers.")
	descTimeout         = desc("pool", "timeout_total", "Blocking submissions that timed out.")

	descAlarmsQueued    = desc("scheduler", "alarms_queued", "Alarms waiting to fire.")
	descAlarmsInFlight  = desc("scheduler", "alarms_in_flight", "Fired alarms whose listener has not returned.")
	descAlarmsFired     = desc("scheduler", "alarms_fired_total", "Alarms handed to the executor.")
	descAlarmsCancelled = desc("scheduler", "alarms_cancelled_total", "Alarms dequeued before firing.")
	descAlarmsSlow      = desc("scheduler", "alarms_slow_total", "Alarms fired later than the slow threshold.")
	descAlarmsRejected  = desc("scheduler", "alarms_rejected_total", "Fired alarms the executor refused.")
	descAlarmsSpilled   = desc("scheduler", "alarms_spilled_total", "Alarms kept outside a full wheel slab.")
)

// PoolSource is satisfied by *threadpool.Pool.
type PoolSource interface {
	Stats() threadpool.Stats
}

// SchedulerSource is satisfied by alarm.Scheduler.
type SchedulerSource interface {
	Stats() alarm.Stats
}

type poolCollector struct {
	name string
	pool PoolSource
}

var _ prometheus.Collector = &poolCollector{}

// NewPoolCollector exposes the statistics of pool under the given name label.
func NewPoolCollector(name string, pool PoolSource) prometheus.Collector {
	return &poolCollector{name: name, pool: pool}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descThreads, descActive, descIdle, descStarting, descWaiting, descQueued,
		descExecutorRunning, descExecutorQueued,
		descCreated, descOverflow, descSubmitted, descNoFreeWorkers, descTimeout,
	} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.pool.Stats()
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), c.name)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), c.name)
	}

	gauge(descThreads, st.Threads)
	gauge(descActive, st.Active)
	gauge(descIdle, st.Idle)
	gauge(descStarting, st.Starting)
	gauge(descWaiting, st.Waiting)
	gauge(descExecutorRunning, st.ExecutorRunning)
	gauge(descExecutorQueued, st.ExecutorQueued)
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(st.PriorityQueue), c.name, "priority")
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(st.TaskQueue), c.name, "normal")

	counter(descCreated, st.Created)
	counter(descOverflow, st.Overflow)
	counter(descSubmitted, st.Submitted)
	counter(descNoFreeWorkers, st.NoFreeWorkers)
	counter(descTimeout, st.Timeout)
}

type schedulerCollector struct {
	name      string
	scheduler SchedulerSource
}

var _ prometheus.Collector = &schedulerCollector{}

// NewSchedulerCollector exposes the statistics of an alarm scheduler under the given name label.
func NewSchedulerCollector(name string, s SchedulerSource) prometheus.Collector {
	return &schedulerCollector{name: name, scheduler: s}
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descAlarmsQueued, descAlarmsInFlight, descAlarmsFired, descAlarmsCancelled,
		descAlarmsSlow, descAlarmsRejected, descAlarmsSpilled,
	} {
		ch <- d
	}
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.scheduler.Stats()
	ch <- prometheus.MustNewConstMetric(descAlarmsQueued, prometheus.GaugeValue, float64(st.Queued), c.name)
	ch <- prometheus.MustNewConstMetric(descAlarmsInFlight, prometheus.GaugeValue, float64(st.InFlight), c.name)
	for d, v := range map[*prometheus.Desc]uint64{
		descAlarmsFired:     st.Fired,
		descAlarmsCancelled: st.Cancelled,
		descAlarmsSlow:      st.Slow,
		descAlarmsRejected:  st.Rejected,
		descAlarmsSpilled:   st.Spilled,
	} {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), c.name)
	}
}

// Register adds collectors for every component of sys to reg.
func Register(reg prometheus.Registerer, name string, sys *threadpool.System) error {
	if err := reg.Register(NewPoolCollector(name, sys.Pool)); err != nil {
		return err
	}
	return reg.Register(NewSchedulerCollector(name, sys.Scheduler))
}
