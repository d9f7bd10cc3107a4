package taskworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	scheduled atomic.Int32
	reject    bool
}

func (e *countingExecutor) Schedule(task func()) bool {
	e.scheduled.Add(1)
	if e.reject {
		return false
	}
	go task()
	return true
}

func TestWorker_RunsOnWake(t *testing.T) {
	var runs atomic.Int32
	w := New(func(ctx context.Context) { runs.Add(1) }, WithLogger(testr.New(t)))
	defer w.Close()

	w.Wake()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
}

func TestWorker_CoalescesWakesDuringRun(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	w := New(func(ctx context.Context) {
		started <- struct{}{}
		if runs.Add(1) == 1 {
			<-release
		}
	}, WithIdleTimeout(50*time.Millisecond))
	defer w.Close()

	w.Wake()
	<-started

	for i := 0; i < 5; i++ {
		w.Wake()
	}
	close(release)

	require.Eventually(t, func() bool { return !w.IsActive() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), runs.Load(), "five wakes during a run collapse into one re-run")
}

func TestWorker_NeverRunsConcurrently(t *testing.T) {
	var (
		inBody  atomic.Int32
		overlap atomic.Int32
		runs    atomic.Int32
	)
	w := New(func(ctx context.Context) {
		if inBody.Add(1) > 1 {
			overlap.Add(1)
		}
		runs.Add(1)
		time.Sleep(50 * time.Microsecond)
		inBody.Add(-1)
	}, WithIdleTimeout(time.Millisecond))
	defer w.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				w.Wake()
				if i%50 == 0 {
					time.Sleep(2 * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !w.IsActive() }, time.Second, time.Millisecond)
	assert.Zero(t, overlap.Load())
	assert.Positive(t, runs.Load())
}

func TestWorker_LastWakeIsNeverLost(t *testing.T) {
	var runs atomic.Int32
	w := New(func(ctx context.Context) { runs.Add(1) }, WithIdleTimeout(time.Millisecond))
	defer w.Close()

	for i := 1; i <= 50; i++ {
		w.Wake()
		require.Eventually(t, func() bool { return runs.Load() >= int32(i) },
			time.Second, 100*time.Microsecond, "wake %d", i)
		if i%10 == 0 {
			// let the goroutine time out and give itself back
			require.Eventually(t, func() bool { return !w.IsActive() }, time.Second, time.Millisecond)
		}
	}
}

func TestWorker_IdleTimeoutReturnsGoroutine(t *testing.T) {
	exec := &countingExecutor{}
	w := New(func(ctx context.Context) {}, WithExecutor(exec), WithIdleTimeout(5*time.Millisecond))
	defer w.Close()

	w.Wake()
	require.Eventually(t, func() bool { return w.Runs() == 1 && !w.IsActive() }, time.Second, time.Millisecond)

	w.Wake()
	require.Eventually(t, func() bool { return w.Runs() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), exec.scheduled.Load())
}

func TestWorker_PermanentStaysParked(t *testing.T) {
	exec := &countingExecutor{}
	w := New(func(ctx context.Context) {}, WithExecutor(exec), WithPermanent(), WithIdleTimeout(time.Millisecond))

	w.Wake()
	require.Eventually(t, func() bool { return w.Runs() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, w.IsActive())

	w.Wake()
	require.Eventually(t, func() bool { return w.Runs() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), exec.scheduled.Load())

	w.Close()
	assert.False(t, w.IsActive())
}

func TestWorker_RejectedExecutorFallsBack(t *testing.T) {
	exec := &countingExecutor{reject: true}
	w := New(func(ctx context.Context) {}, WithExecutor(exec))
	defer w.Close()

	w.Wake()
	require.Eventually(t, func() bool { return w.Runs() == 1 }, time.Second, time.Millisecond)
}

func TestWorker_PanicIsContained(t *testing.T) {
	var runs atomic.Int32
	w := New(func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}, WithLogger(testr.New(t)))
	defer w.Close()

	w.Wake()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	w.Wake()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestWorker_CloseCancelsContext(t *testing.T) {
	entered := make(chan struct{})
	exited := make(chan struct{})
	w := New(func(ctx context.Context) {
		close(entered)
		<-ctx.Done()
		close(exited)
	})

	w.Wake()
	<-entered
	w.Close()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("body context was not cancelled")
	}

	w.Wake()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, uint64(1), w.Runs())
}
