package alarm

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradilov/threadpool/clock"
	"github.com/aradilov/threadpool/internal/logging"
)

const base = int64(1_700_000_000_000)

// inlineExecutor runs listeners on the dispatching goroutine.
type inlineExecutor struct {
	priority atomic.Int32
	normal   atomic.Int32
}

func (e *inlineExecutor) Schedule(task func()) bool {
	e.normal.Add(1)
	task()
	return true
}

func (e *inlineExecutor) SchedulePriority(task func()) {
	e.priority.Add(1)
	task()
}

type goExecutor struct{}

func (goExecutor) Schedule(task func()) bool {
	go task()
	return true
}

func (goExecutor) SchedulePriority(task func()) {
	go task()
}

type rejectingExecutor struct{}

func (rejectingExecutor) Schedule(func()) bool { return false }

func (rejectingExecutor) SchedulePriority(task func()) { task() }

// recorder collects alarm names in firing order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) HandleAlarm(_ context.Context, a *Alarm) {
	r.mu.Lock()
	r.names = append(r.names, a.Name())
	r.mu.Unlock()
}

func (r *recorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type schedulerCase struct {
	name string
	make func(t *testing.T, exec Executor, clk *clock.Clock, opts ...Option) Scheduler
}

var schedulerCases = []schedulerCase{
	{
		name: "heap",
		make: func(t *testing.T, exec Executor, clk *clock.Clock, opts ...Option) Scheduler {
			s := NewHeapScheduler(exec, clk, append([]Option{WithLogger(testr.New(t))}, opts...)...)
			t.Cleanup(s.Close)
			return s
		},
	},
	{
		name: "wheel",
		make: func(t *testing.T, exec Executor, clk *clock.Clock, opts ...Option) Scheduler {
			o := append([]Option{WithLogger(testr.New(t)), WithWheelLength(1000), WithSlabCapacity(1024)}, opts...)
			s := NewWheelScheduler(exec, clk, o...)
			t.Cleanup(s.Close)
			return s
		},
	},
}

func frozenClock(_ *testing.T) *clock.Clock {
	clk := clock.New()
	clk.Freeze(base)
	return clk
}

func TestScheduler_FiresInWakeOrder(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			rec := &recorder{}
			s := tc.make(t, &inlineExecutor{}, clk)

			b := NewAlarm(context.Background(), "b", rec)
			a := NewAlarm(context.Background(), "a", rec)
			c := NewAlarm(context.Background(), "c", rec)
			s.QueueAt(b, base+150)
			s.QueueAt(c, base+400)
			s.QueueAt(a, base+100)
			require.Equal(t, 3, s.Len())
			assert.Equal(t, base+100, s.NextAlarmTime())

			clk.Freeze(base + 99)
			assert.Empty(t, rec.fired())

			clk.Freeze(base + 200)
			if diff := cmp.Diff([]string{"a", "b"}, rec.fired()); diff != "" {
				t.Fatalf("firing order (-want +got):\n%s", diff)
			}
			assert.False(t, a.IsQueued())
			assert.True(t, c.IsQueued())
			assert.Equal(t, base+400, s.NextAlarmTime())

			clk.Freeze(base + 400)
			assert.Equal(t, []string{"a", "b", "c"}, rec.fired())
			assert.Zero(t, s.Len())
			assert.Zero(t, s.NextAlarmTime())
			assert.Equal(t, uint64(3), s.Stats().Fired)
		})
	}
}

func TestScheduler_QueueReportsEarliest(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			s := tc.make(t, &inlineExecutor{}, clk)
			rec := &recorder{}

			assert.True(t, s.QueueAt(NewAlarm(context.Background(), "x", rec), base+500))
			assert.False(t, s.QueueAt(NewAlarm(context.Background(), "y", rec), base+600))
			assert.True(t, s.Queue(NewAlarm(context.Background(), "z", rec), 100*time.Millisecond))
			assert.Equal(t, base+100, s.NextAlarmTime())
		})
	}
}

func TestScheduler_Cancel(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			rec := &recorder{}
			s := tc.make(t, &inlineExecutor{}, clk)

			a := NewAlarm(context.Background(), "a", rec)
			b := NewAlarm(context.Background(), "b", rec)
			s.QueueAt(a, base+100)
			s.QueueAt(b, base+100)

			require.True(t, Cancel(s, a))
			require.False(t, Cancel(s, a), "second cancel is a no-op")
			assert.Equal(t, 1, s.Len())

			clk.Freeze(base + 200)
			assert.Equal(t, []string{"b"}, rec.fired())

			// cancelling after firing has no effect
			assert.False(t, Cancel(s, b))
			assert.False(t, Cancel(s, nil))
			assert.Equal(t, uint64(1), s.Stats().Cancelled)
		})
	}
}

func TestScheduler_RescheduleMovesAlarm(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			rec := &recorder{}
			s := tc.make(t, &inlineExecutor{}, clk)

			a := NewAlarm(context.Background(), "a", rec)
			s.QueueAt(a, base+100)
			s.QueueAt(a, base+300)
			assert.Equal(t, 1, s.Len())
			assert.Equal(t, base+300, a.WakeTime())

			clk.Freeze(base + 200)
			assert.Empty(t, rec.fired())
			clk.Freeze(base + 300)
			assert.Equal(t, []string{"a"}, rec.fired())
		})
	}
}

func TestScheduler_ListenerRequeues(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			s := tc.make(t, &inlineExecutor{}, clk)

			var fires atomic.Int32
			var a *Alarm
			a = NewAlarm(context.Background(), "periodic", ListenerFunc(func(ctx context.Context, _ *Alarm) {
				if fires.Add(1) < 3 {
					s.Queue(a, 10*time.Millisecond)
				}
			}))
			s.Queue(a, 10*time.Millisecond)

			for now := base + 10; now <= base+50; now += 10 {
				clk.Freeze(now)
			}
			assert.Equal(t, int32(3), fires.Load())
			assert.False(t, a.IsQueued())
		})
	}
}

func TestScheduler_DueAlarmFiresOnNextPass(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			rec := &recorder{}
			s := tc.make(t, &inlineExecutor{}, clk)

			s.QueueAt(NewAlarm(context.Background(), "late", rec), base-50)
			clk.Freeze(base)
			assert.Equal(t, []string{"late"}, rec.fired())
		})
	}
}

func TestScheduler_PriorityLane(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			exec := &inlineExecutor{}
			s := tc.make(t, exec, clk)

			Schedule(s, context.Background(), func(context.Context) {}, 5*time.Millisecond, true)
			Schedule(s, context.Background(), func(context.Context) {}, 5*time.Millisecond, false)
			ScheduleAt(s, context.Background(), func(context.Context) {}, base+5, true)
			clk.Freeze(base + 5)

			assert.Equal(t, int32(2), exec.priority.Load())
			assert.Equal(t, int32(1), exec.normal.Load())
		})
	}
}

func TestScheduler_ListenerPanicIsContained(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			rec := &recorder{}
			s := tc.make(t, &inlineExecutor{}, clk)

			s.QueueAt(NewAlarm(context.Background(), "bad", ListenerFunc(func(context.Context, *Alarm) {
				panic("listener failure")
			})), base+10)
			s.QueueAt(NewAlarm(context.Background(), "good", rec), base+20)

			clk.Freeze(base + 30)
			assert.Equal(t, []string{"good"}, rec.fired())
			assert.Zero(t, s.Stats().InFlight)
		})
	}
}

func TestScheduler_RejectedAlarmIsCounted(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			s := tc.make(t, rejectingExecutor{}, clk)

			s.QueueAt(NewAlarm(context.Background(), "dropped", &recorder{}), base+10)
			clk.Freeze(base + 10)
			assert.Equal(t, uint64(1), s.Stats().Rejected)
			assert.Zero(t, s.Len())
		})
	}
}

func TestScheduler_SlowAlarmIsCounted(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := frozenClock(t)
			s := tc.make(t, &inlineExecutor{}, clk, WithSlowThreshold(StressSlowThreshold))

			s.QueueAt(NewAlarm(context.Background(), "on-time", &recorder{}), base+10)
			s.QueueAt(NewAlarm(context.Background(), "late", &recorder{}), base+20)
			clk.Freeze(base + 10)
			clk.Freeze(base + 500)
			assert.Equal(t, uint64(1), s.Stats().Slow)
		})
	}
}

func TestScheduler_ClosedRejectsQueue(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.make(t, &inlineExecutor{}, frozenClock(t))
			s.Close()
			a := NewAlarm(context.Background(), "a", &recorder{})
			assert.False(t, s.QueueAt(a, base+10))
			assert.False(t, a.IsQueued())
		})
	}
}

func TestScheduler_ClosedQueueReportsErrClosed(t *testing.T) {
	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			var mu sync.Mutex
			var out []string
			logger := funcr.New(func(_, args string) {
				mu.Lock()
				out = append(out, args)
				mu.Unlock()
			}, funcr.Options{Verbosity: logging.DEBUG})

			s := tc.make(t, &inlineExecutor{}, frozenClock(t), WithLogger(logger))
			s.Close()
			assert.False(t, s.QueueAt(NewAlarm(context.Background(), "late", &recorder{}), base+10))

			mu.Lock()
			defer mu.Unlock()
			assert.True(t, slices.ContainsFunc(out, func(line string) bool {
				return strings.Contains(line, `"alarm"="late"`) && strings.Contains(line, ErrClosed.Error())
			}), "logged: %v", out)
		})
	}
}

func TestAlarm_MovesBetweenSchedulers(t *testing.T) {
	clk := frozenClock(t)
	rec := &recorder{}
	heap := schedulerCases[0].make(t, &inlineExecutor{}, clk)
	wheel := schedulerCases[1].make(t, &inlineExecutor{}, clk)

	a := NewAlarm(context.Background(), "a", rec)
	heap.QueueAt(a, base+10)
	wheel.QueueAt(a, base+20)
	assert.Zero(t, heap.Len())
	assert.Equal(t, 1, wheel.Len())
	assert.False(t, heap.Dequeue(a))

	clk.Freeze(base + 30)
	assert.Equal(t, []string{"a"}, rec.fired())
}

func TestAlarm_IdentityAndContext(t *testing.T) {
	a := NewAlarm(context.Background(), "", &recorder{})
	_, err := uuid.Parse(a.ID())
	require.NoError(t, err)
	assert.Contains(t, a.Name(), a.ID()[:8])
	assert.False(t, a.IsPriority())
	assert.False(t, a.IsQueued())

	clk := frozenClock(t)
	s := NewHeapScheduler(&inlineExecutor{}, clk)
	t.Cleanup(s.Close)

	var gotLogger atomic.Bool
	ctx := context.WithValue(context.Background(), ctxKey{}, "scope")
	named := NewAlarm(ctx, "named", ListenerFunc(func(ctx context.Context, a *Alarm) {
		_, err := logr.FromContext(ctx)
		gotLogger.Store(err == nil && ctx.Value(ctxKey{}) == "scope")
	}), WithPriority())
	assert.Equal(t, "named", named.ID())
	assert.True(t, named.IsPriority())

	s.QueueAt(named, base+1)
	clk.Freeze(base + 1)
	assert.True(t, gotLogger.Load())
}

type ctxKey struct{}

func TestWheel_OverflowWaitsForItsRevolution(t *testing.T) {
	clk := frozenClock(t)
	rec := &recorder{}
	s := NewWheelScheduler(&inlineExecutor{}, clk, WithWheelLength(100), WithSlabCapacity(16))
	t.Cleanup(s.Close)

	s.QueueAt(NewAlarm(context.Background(), "far", rec), base+250)
	s.QueueAt(NewAlarm(context.Background(), "near", rec), base+50)

	clk.Freeze(base + 100)
	assert.Equal(t, []string{"near"}, rec.fired())
	clk.Freeze(base + 200)
	assert.Equal(t, []string{"near"}, rec.fired())
	assert.Equal(t, 1, s.Len())
	clk.Freeze(base + 250)
	assert.Equal(t, []string{"near", "far"}, rec.fired())
}

func TestWheel_LongGapSweepsOneRevolution(t *testing.T) {
	clk := frozenClock(t)
	rec := &recorder{}
	s := NewWheelScheduler(&inlineExecutor{}, clk, WithWheelLength(64), WithSlabCapacity(64))
	t.Cleanup(s.Close)

	for i := int64(1); i <= 20; i++ {
		s.QueueAt(NewAlarm(context.Background(), string(rune('a'+i-1)), rec), base+i*7)
	}
	clk.Freeze(base + 10_000)
	got := rec.fired()
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "fired out of wake order")
	}
}

func TestWheel_SpillsWhenSlabIsFull(t *testing.T) {
	clk := frozenClock(t)
	rec := &recorder{}
	s := NewWheelScheduler(&inlineExecutor{}, clk, WithWheelLength(100), WithSlabCapacity(2))
	t.Cleanup(s.Close)

	for i, name := range []string{"a", "b", "c", "d"} {
		s.QueueAt(NewAlarm(context.Background(), name, rec), base+int64(10*(i+1)))
	}
	assert.Equal(t, uint64(2), s.Stats().Spilled)
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, base+10, s.NextAlarmTime())

	clk.Freeze(base + 20)
	assert.Equal(t, []string{"a", "b"}, rec.fired())
	clk.Freeze(base + 40)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.fired())
}

func TestWheel_NextAlarmTimeAfterFiring(t *testing.T) {
	clk := frozenClock(t)
	s := NewWheelScheduler(&inlineExecutor{}, clk, WithWheelLength(100), WithSlabCapacity(16))
	t.Cleanup(s.Close)

	s.QueueAt(NewAlarm(context.Background(), "a", &recorder{}), base+10)
	s.QueueAt(NewAlarm(context.Background(), "b", &recorder{}), base+330)
	clk.Freeze(base + 10)
	assert.Equal(t, base+330, s.NextAlarmTime())
}

func TestWheel_ConcurrentQueueAndCancel(t *testing.T) {
	clk := frozenClock(t)
	s := NewWheelScheduler(&inlineExecutor{}, clk, WithWheelLength(64), WithSlabCapacity(256))
	t.Cleanup(s.Close)

	var fired atomic.Int32
	l := ListenerFunc(func(context.Context, *Alarm) { fired.Add(1) })

	const goroutines, perG = 8, 500
	var kept atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				a := NewAlarm(context.Background(), "x", l)
				s.QueueAt(a, base+1+int64(rand.IntN(200)))
				if i%2 == 0 {
					assert.True(t, s.Dequeue(a))
					continue
				}
				kept.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int(kept.Load()), s.Len())
	clk.Freeze(base + 500)
	assert.Equal(t, kept.Load(), fired.Load())
	assert.Zero(t, s.Len())
}

func TestScheduler_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time scenario")
	}
	const (
		alarms = 1000
		slop   = int64(50)
	)

	for _, tc := range schedulerCases {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.New()
			clk.Start()
			t.Cleanup(clk.Stop)

			s := tc.make(t, goExecutor{}, clk, WithWheelLength(DefaultWheelLength), WithSlabCapacity(2048))
			if w, ok := s.(*WheelScheduler); ok {
				ctx, cancel := context.WithCancel(context.Background())
				t.Cleanup(cancel)
				go w.Run(ctx, time.Millisecond)
			}

			type result struct {
				wake  int64
				fired atomic.Int64
				count atomic.Int32
			}
			results := make([]*result, alarms)
			var total atomic.Int32
			for i := range results {
				r := &result{}
				results[i] = r
				a := NewAlarm(context.Background(), "", ListenerFunc(func(context.Context, *Alarm) {
					r.fired.Store(clk.ExactNow())
					r.count.Add(1)
					total.Add(1)
				}))
				r.wake = clk.Now() + int64(rand.IntN(501))
				s.QueueAt(a, r.wake)
			}

			require.Eventually(t, func() bool { return total.Load() == alarms }, 3*time.Second, 10*time.Millisecond)
			time.Sleep(50 * time.Millisecond)

			for i, r := range results {
				require.Equal(t, int32(1), r.count.Load(), "alarm %d fired %d times", i, r.count.Load())
				late := r.fired.Load() - r.wake
				assert.GreaterOrEqual(t, late, int64(0), "alarm %d fired early", i)
				assert.LessOrEqual(t, late, slop, "alarm %d fired %dms late", i, late)
			}
			assert.Zero(t, s.Len())
		})
	}
}
